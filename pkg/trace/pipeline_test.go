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
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolEvent(args any) Event {
	return Event{
		Envelope: Envelope{
			EventID:     2,
			RunID:       "run-1",
			Type:        EventToolCall,
			TimestampMs: 1700000000000,
			Status:      StatusOK,
		},
		Payload: ToolCallPayload{
			ToolName:   "search",
			ToolArgs:   args,
			ToolResult: map[string]any{"hits": 1},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	e := toolEvent(map[string]any{"q": "weather"})
	blob, codec, err := p.Encode(e)
	require.NoError(t, err)
	assert.True(t, codec.Redacted)
	assert.False(t, codec.Compressed)
	assert.False(t, codec.Encrypted)

	rec, err := p.Decode(blob, codec)
	require.NoError(t, err)
	assert.Equal(t, "run-1", rec["run_id"])
	assert.Equal(t, "tool_call", rec["type"])
	payload := rec["payload"].(map[string]any)
	assert.Equal(t, "search", payload["tool_name"])
	args := payload["tool_args"].(map[string]any)
	assert.Equal(t, "weather", args["q"])
}

func TestRedactKeyAtAnyDepth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedactKeys = []string{"api_key"}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	e := toolEvent(map[string]any{
		"q":       "x",
		"api_key": "SEKRET",
		"nested":  map[string]any{"api_key": map[string]any{"value": "DEEP-SEKRET"}},
		"list":    []any{map[string]any{"api_key": "LIST-SEKRET"}},
	})
	blob, codec, err := p.Encode(e)
	require.NoError(t, err)

	assert.NotContains(t, string(blob), "SEKRET")
	assert.NotContains(t, string(blob), "DEEP-SEKRET")
	assert.NotContains(t, string(blob), "LIST-SEKRET")

	rec, err := p.Decode(blob, codec)
	require.NoError(t, err)
	args := rec["payload"].(map[string]any)["tool_args"].(map[string]any)
	assert.Equal(t, RedactionMarker, args["api_key"], "replacement must not recurse into the original value")
	nested := args["nested"].(map[string]any)
	assert.Equal(t, RedactionMarker, nested["api_key"])
}

func TestRedactKeyIsCaseSensitive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedactKeys = []string{"api_key"}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	e := toolEvent(map[string]any{"API_KEY": "VISIBLE"})
	blob, _, err := p.Encode(e)
	require.NoError(t, err)
	assert.Contains(t, string(blob), "VISIBLE")
}

func TestRedactPatternFullMatchOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedactPatterns = []string{`sk-[a-z0-9]+`}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	e := toolEvent(map[string]any{
		"token":   "sk-abc123",
		"mention": "the token sk-abc123 is embedded here",
	})
	blob, codec, err := p.Encode(e)
	require.NoError(t, err)

	rec, err := p.Decode(blob, codec)
	require.NoError(t, err)
	args := rec["payload"].(map[string]any)["tool_args"].(map[string]any)
	assert.Equal(t, RedactionMarker, args["token"])
	assert.Equal(t, "the token sk-abc123 is embedded here", args["mention"],
		"a partial match must not replace the string")
}

func TestEnvelopeNeverRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedactPatterns = []string{`run-1`}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	blob, codec, err := p.Encode(toolEvent(map[string]any{"q": "x"}))
	require.NoError(t, err)
	rec, err := p.Decode(blob, codec)
	require.NoError(t, err)
	assert.Equal(t, "run-1", rec["run_id"])
}

func TestInvalidPatternRejectedAtBuild(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedactPatterns = []string{`[`}
	_, err := NewPipeline(cfg)
	require.Error(t, err)
}

func TestCompressionStage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionEnabled = true
	cfg.CompressionLevel = 9
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	big := strings.Repeat("the same phrase over and over ", 200)
	e := toolEvent(map[string]any{"q": big})
	blob, codec, err := p.Encode(e)
	require.NoError(t, err)
	assert.True(t, codec.Compressed)
	assert.Less(t, len(blob), len(big), "gzip should beat a highly repetitive payload")

	rec, err := p.Decode(blob, codec)
	require.NoError(t, err)
	args := rec["payload"].(map[string]any)["tool_args"].(map[string]any)
	assert.Equal(t, big, args["q"])
}

func TestEncryptionStage(t *testing.T) {
	key, err := DeriveKey("test passphrase")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.EncryptionEnabled = true
	cfg.EncryptionKey = key
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	e := toolEvent(map[string]any{"q": "plaintext-probe"})
	blob, codec, err := p.Encode(e)
	require.NoError(t, err)
	assert.True(t, codec.Encrypted)
	assert.NotContains(t, string(blob), "plaintext-probe")

	rec, err := p.Decode(blob, codec)
	require.NoError(t, err)
	args := rec["payload"].(map[string]any)["tool_args"].(map[string]any)
	assert.Equal(t, "plaintext-probe", args["q"])

	// Nonce-per-event: two encryptions of the same event must differ.
	blob2, _, err := p.Encode(e)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(blob, blob2))
}

func TestDecodeWithWrongKeyFails(t *testing.T) {
	keyA, _ := DeriveKey("key a")
	keyB, _ := DeriveKey("key b")

	cfgA := DefaultConfig()
	cfgA.EncryptionEnabled = true
	cfgA.EncryptionKey = keyA
	pA, err := NewPipeline(cfgA)
	require.NoError(t, err)

	blob, codec, err := pA.Encode(toolEvent(map[string]any{"q": "x"}))
	require.NoError(t, err)

	cfgB := cfgA
	cfgB.EncryptionKey = keyB
	pB, err := NewPipeline(cfgB)
	require.NoError(t, err)

	_, err = pB.Decode(blob, codec)
	require.Error(t, err)
}

func TestSerializationPlaceholderForUnserializable(t *testing.T) {
	cfg := DefaultConfig()
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	e := toolEvent(map[string]any{"ch": make(chan int)})
	blob, codec, err := p.Encode(e)
	require.NoError(t, err, "unserializable values degrade to a placeholder, not a failure")

	rec, err := p.Decode(blob, codec)
	require.NoError(t, err)
	args := rec["payload"].(map[string]any)["tool_args"].(map[string]any)
	placeholder := args["ch"].(map[string]any)
	assert.Contains(t, placeholder["__type__"], "chan")
	assert.NotEmpty(t, placeholder["__repr__"])
}

func TestCodecRoundTripAndUnknownRejection(t *testing.T) {
	c := Codec{Redacted: true, Compressed: true}
	parsed, err := ParseCodec(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)

	_, err = ParseCodec("redact=1;gzip=0;zstd=1")
	require.ErrorIs(t, err, ErrUnknownCodec)

	_, err = ParseCodec("redact=1")
	require.ErrorIs(t, err, ErrUnknownCodec, "incomplete codecs must be refused")

	_, err = ParseCodec("gibberish")
	require.ErrorIs(t, err, ErrUnknownCodec)
}

func TestCanonicalJSONStableOrder(t *testing.T) {
	cfg := DefaultConfig()
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	e := toolEvent(map[string]any{"b": 1, "a": 2, "c": 3})
	blob1, _, err := p.Encode(e)
	require.NoError(t, err)
	blob2, _, err := p.Encode(e)
	require.NoError(t, err)
	assert.Equal(t, blob1, blob2, "serialization must be deterministic")
	assert.NotContains(t, string(blob1), " ", "canonical form is compact")
}
