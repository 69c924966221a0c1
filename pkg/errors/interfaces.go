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

package errors

// HTTPError is implemented by error types that map onto a specific HTTP
// status on the read path, so the API layer can translate them without a
// type switch per error kind.
type HTTPError interface {
	error

	// HTTPStatus returns the status code this error surfaces as.
	HTTPStatus() int
}

// Temporary is implemented by error types that distinguish retryable
// conditions from permanent ones. StoreError implements it from its
// Transient flag, the same flag Store.WithTx checks before retrying.
type Temporary interface {
	error

	// IsTemporary returns true if the operation is worth retrying.
	IsTemporary() bool
}
