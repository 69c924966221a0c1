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

package trace

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// DeriveKey resolves an operator-supplied key string into 32 bytes of
// key material for the pipeline's encryption stage. Three forms are
// accepted, checked in order: raw 32-byte string, base64-encoded 32
// bytes, or an arbitrary passphrase hashed with SHA-256.
func DeriveKey(s string) ([]byte, error) {
	if len(s) == 32 {
		return []byte(s), nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:], nil
}

// GenerateEncryptionKey returns fresh random 32-byte key material, for use
// by the `init` CLI command when scaffolding a new config.
func GenerateEncryptionKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
