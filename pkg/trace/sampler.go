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

// Sampler decides, once per run, whether a run is traced. The decision is
// cached on the run context; every event in the run inherits it. The
// implementation is pluggable so tests and alternative strategies can
// supply their own.
type Sampler interface {
	ShouldSample(runID, runName string, cfg Config) bool
}

// HashSampler is the default Sampler: a deterministic hash of run_id
// compared against the configured sample rate, so the decision is
// stable across processes for a fixed run_id and sample_rate.
type HashSampler struct{}

// ShouldSample implements Sampler.
func (HashSampler) ShouldSample(runID, _ string, cfg Config) bool {
	if cfg.SampleRate >= 1.0 {
		return true
	}
	if cfg.SampleRate <= 0.0 {
		return false
	}
	h := fnv64a(runID)
	return float64(h)/float64(^uint64(0)) < cfg.SampleRate
}

// fnv64a is a small, dependency-free 64-bit hash (FNV-1a) used to map a
// run_id string onto [0, 2^64) for the threshold comparison above.
func fnv64a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
