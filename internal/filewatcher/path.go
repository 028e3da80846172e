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

package filewatcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// blockedPaths are never watched.
var blockedPaths = []string{"/proc", "/sys", "/dev"}

// NormalizePath expands ~ and environment variables and returns a clean
// absolute path. The path need not exist yet.
func NormalizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}

	abs, err := filepath.Abs(os.ExpandEnv(path))
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("resolving symlinks in %s: %w", abs, err)
	}

	for _, blocked := range blockedPaths {
		if abs == blocked || strings.HasPrefix(abs, blocked+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s may not be watched", abs)
		}
	}
	return abs, nil
}

// subdirectories lists the directories below root, up to maxDepth levels.
func subdirectories(root string, maxDepth int) []string {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if strings.Count(rel, string(filepath.Separator))+1 > maxDepth {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs
}
