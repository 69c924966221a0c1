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

import "context"

// The active run context rides on context.Context, which is Go's
// task-scoped propagation mechanism: every goroutine or continuation that
// inherits the context observes the same run, sibling goroutines given
// different contexts do not share state, and nested Run scopes form a
// stack through the context chain.

type runContextKey struct{}

// ContextWith returns a child context carrying rc as the active run
// context. Adapters that spawn their own goroutines pass this context
// along to keep the run visible across suspension points.
func ContextWith(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// FromContext returns the active run context, or nil when ctx carries
// none. This is the get_active_context operation adapters build on.
func FromContext(ctx context.Context) *RunContext {
	if ctx == nil {
		return nil
	}
	rc, _ := ctx.Value(runContextKey{}).(*RunContext)
	return rc
}
