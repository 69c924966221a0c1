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
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	tracerr "github.com/huginn/huginn/pkg/errors"
)

// RedactionMarker replaces any value matched by a redact_keys entry or a
// fully-matching redact_patterns entry. The replacement never recurses
// into the original value.
const RedactionMarker = "***REDACTED***"

// Codec tags which pipeline stages produced a stored blob, so a reader
// can drive the exact inverse decode and refuse an unrecognized
// combination rather than misinterpreting bytes.
type Codec struct {
	Redacted   bool
	Compressed bool
	Encrypted  bool
}

// String renders the codec as the form persisted in steps.blob_codec.
func (c Codec) String() string {
	return strings.Join([]string{
		boolToken("redact", c.Redacted),
		boolToken("gzip", c.Compressed),
		boolToken("aesgcm", c.Encrypted),
	}, ";")
}

func boolToken(name string, v bool) string {
	if v {
		return name + "=1"
	}
	return name + "=0"
}

// ErrUnknownCodec is returned by ParseCodec for any tag combination this
// reader does not recognize.
var ErrUnknownCodec = fmt.Errorf("trace: unknown blob codec")

// ParseCodec is the inverse of Codec.String, used by the read store to
// decide the decode path for a stored row.
func ParseCodec(s string) (Codec, error) {
	var c Codec
	seen := map[string]bool{}
	for _, tok := range strings.Split(s, ";") {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			return Codec{}, fmt.Errorf("%w: malformed token %q", ErrUnknownCodec, tok)
		}
		val := kv[1] == "1"
		switch kv[0] {
		case "redact":
			c.Redacted = val
		case "gzip":
			c.Compressed = val
		case "aesgcm":
			c.Encrypted = val
		default:
			return Codec{}, fmt.Errorf("%w: tag %q", ErrUnknownCodec, kv[0])
		}
		seen[kv[0]] = true
	}
	if len(seen) != 3 {
		return Codec{}, fmt.Errorf("%w: incomplete codec %q", ErrUnknownCodec, s)
	}
	return c, nil
}

// Pipeline is the pure per-event transform: redact, serialize,
// compress, encrypt. A Pipeline is built once from a validated Config
// and reused for every event so redact_patterns are compiled exactly
// once.
type Pipeline struct {
	cfg      Config
	keys     map[string]struct{}
	patterns []*regexp.Regexp
}

// NewPipeline compiles cfg's redaction patterns and returns a reusable
// Pipeline. Returns a ConfigError if any pattern fails to compile.
func NewPipeline(cfg Config) (*Pipeline, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.RedactPatterns))
	for _, p := range cfg.RedactPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &tracerr.ConfigError{Key: "redact_patterns", Reason: fmt.Sprintf("invalid pattern %q", p), Cause: err}
		}
		patterns = append(patterns, re)
	}
	keys := make(map[string]struct{}, len(cfg.RedactKeys))
	for _, k := range cfg.RedactKeys {
		keys[k] = struct{}{}
	}
	return &Pipeline{cfg: cfg, keys: keys, patterns: patterns}, nil
}

// Encode runs the full stage ordering over one event and returns the
// opaque blob the store persists plus the codec tags that describe it.
// Each stage reports failure independently: a redaction or
// serialization failure drops the event (returned as a *PipelineError);
// a compression failure degrades to uncompressed rather than dropping;
// an encryption failure always drops the event, since persisting
// plaintext when encryption was requested would defeat the feature.
func (p *Pipeline) Encode(e Event) ([]byte, Codec, error) {
	rec, err := p.redact(e)
	if err != nil {
		return nil, Codec{}, &tracerr.PipelineError{Stage: "redact", Cause: err}
	}

	blob, err := canonicalJSON(rec)
	if err != nil {
		return nil, Codec{}, &tracerr.PipelineError{Stage: "serialize", Cause: err}
	}

	codec := Codec{Redacted: true}
	if p.cfg.CompressionEnabled {
		if compressed, cErr := gzipCompress(blob, p.cfg.CompressionLevel); cErr == nil {
			blob = compressed
			codec.Compressed = true
		}
		// compression failure: fall through uncompressed, codec reflects it.
	}

	if p.cfg.EncryptionEnabled {
		enc, eErr := aesGCMEncrypt(blob, p.cfg.EncryptionKey)
		if eErr != nil {
			return nil, Codec{}, &tracerr.PipelineError{Stage: "encrypt", Cause: eErr}
		}
		blob = enc
		codec.Encrypted = true
	}

	return blob, codec, nil
}

// Decode inverts Encode, driven entirely by codec rather than by the
// pipeline's current configuration, so old rows decode correctly even
// after config changes.
func (p *Pipeline) Decode(blob []byte, codec Codec) (map[string]any, error) {
	data := blob
	if codec.Encrypted {
		if len(p.cfg.EncryptionKey) != 32 {
			return nil, &tracerr.PipelineError{Stage: "decrypt", Cause: fmt.Errorf("no 32-byte encryption key configured")}
		}
		dec, err := aesGCMDecrypt(data, p.cfg.EncryptionKey)
		if err != nil {
			return nil, &tracerr.PipelineError{Stage: "decrypt", Cause: err}
		}
		data = dec
	}
	if codec.Compressed {
		dec, err := gzipDecompress(data)
		if err != nil {
			return nil, &tracerr.PipelineError{Stage: "decompress", Cause: err}
		}
		data = dec
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &tracerr.PipelineError{Stage: "deserialize", Cause: err}
	}
	return rec, nil
}

// redact flattens e via Event.Encode and redacts only the payload
// subtree; envelope fields are never subject to redaction. A panic deep in
// an unexpected payload shape is converted to an error rather than a crash,
// so the caller's drop-on-redaction-failure policy always applies.
func (p *Pipeline) redact(e Event) (rec map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = fmt.Errorf("panic during redaction: %v", r)
		}
	}()
	rec = e.Encode()
	if payload, ok := rec["payload"].(map[string]any); ok {
		rec["payload"] = p.redactValue(payload)
	}
	return rec, nil
}

func (p *Pipeline) redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			if _, redact := p.keys[k]; redact {
				out[k] = RedactionMarker
				continue
			}
			out[k] = p.redactValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = p.redactValue(vv)
		}
		return out
	case string:
		return p.redactString(val)
	default:
		return val
	}
}

// redactString replaces s with the marker only on a full match against
// a compiled pattern, tried in configured order.
func (p *Pipeline) redactString(s string) string {
	for _, re := range p.patterns {
		if loc := re.FindStringIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
			return RedactionMarker
		}
	}
	return s
}

// canonicalJSON renders rec as compact, stable-key-order, UTF-8 JSON.
// encoding/json already sorts map[string]any keys lexically, which is the
// stability canonical JSON needs here; values that Marshal would reject
// (e.g. a channel slipped into caller metadata) are swapped for a
// {"__type__","__repr__"} placeholder rather than failing the whole event.
func canonicalJSON(rec map[string]any) ([]byte, error) {
	return json.Marshal(sanitize(rec))
}

func sanitize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = sanitize(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = sanitize(vv)
		}
		return out
	case string, bool, nil,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	default:
		if _, err := json.Marshal(val); err == nil {
			return val
		}
		return map[string]any{
			"__type__": fmt.Sprintf("%T", val),
			"__repr__": fmt.Sprintf("%v", val),
		}
	}
}

func gzipCompress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// aesGCMEncrypt authenticates and encrypts data under key with a fresh
// nonce per call, prepending the nonce to the ciphertext. The blob
// column stores raw bytes, so there is no base64 wrapper.
func aesGCMEncrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func aesGCMDecrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(data) < n {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ct := data[:n], data[n:]
	return gcm.Open(nil, nonce, ct, nil)
}
