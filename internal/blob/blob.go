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

// Package blob stores large opaque payloads, such as oversized request
// output, outside the document store.
package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned when a reference does not resolve.
var ErrNotFound = errors.New("blob not found")

// Store holds payloads addressed by opaque references.
type Store interface {
	// Put stores data and returns its reference.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the payload for ref, or ErrNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Delete removes ref. Deleting a missing reference is not an error.
	Delete(ctx context.Context, ref string) error
	Close() error
}

// Encoder and decoder are safe for concurrent use and reused across calls.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blob: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blob: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns the zstd frame for data.
func compress(data []byte) []byte {
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/3))
}

// decompress reverses compress.
func decompress(data []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}
