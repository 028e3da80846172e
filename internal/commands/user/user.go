// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package user implements account helper commands.
package user

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/beer-garden/beergarden/internal/auth"
)

// NewCommand creates the user command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Account helpers",
	}
	cmd.AddCommand(newHashPasswordCommand())
	return cmd
}

func newHashPasswordCommand() *cobra.Command {
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for use in configuration or the user store",
		Long: `Read a password and print its bcrypt hash. On a terminal the password
is prompted for twice without echo. With --stdin the first line of
standard input is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				password string
				err      error
			)
			if fromStdin {
				password, err = readLine(cmd.InOrStdin())
			} else {
				password, err = prompt(cmd.ErrOrStderr())
			}
			if err != nil {
				return err
			}
			return hash(cmd.OutOrStdout(), password)
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the password from standard input")
	return cmd
}

func hash(out io.Writer, password string) error {
	if password == "" {
		return errors.New("password must not be empty")
	}
	h, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, h)
	return nil
}

func readLine(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func prompt(w io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal; use --stdin")
	}
	fmt.Fprint(w, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprint(w, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}
