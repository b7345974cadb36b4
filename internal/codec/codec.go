// Package codec encodes and decodes intercepted values as content-addressed
// payloads. Binary payloads use gob (preserves nested structs, maps, slices
// and registered concrete types); json payloads are for peers that cannot
// decode gob. Values the encoder cannot handle degrade to a structured
// placeholder instead of failing the interception.
package codec

import (
	"bytes"
	"crypto/sha512"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Payload formats on the wire.
const (
	FormatBinary      = "binary"
	FormatJSON        = "json"
	FormatPlaceholder = "placeholder"
)

// DefaultPlaceholderDepth bounds the attribute walk when degrading a value.
const DefaultPlaceholderDepth = 2

// Payload is an immutable encoded value. Equal CIDs imply equal bytes.
type Payload struct {
	CID    string `json:"cid"`
	Format string `json:"format"`
	Bytes  []byte `json:"data,omitempty"`
}

func init() {
	// Values travel through an interface field, so gob needs the common
	// composite shapes pre-registered. Host-specific types go through
	// RegisterType.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(map[string]string{})
	gob.Register([]string{})
	gob.Register([]int{})
	gob.Register(time.Time{})
}

var debugLogging atomic.Bool

// SetDebugLogging re-enables encoder warnings at debug level. They are
// suppressed by default so a noisy host type cannot flood the log.
func SetDebugLogging(enabled bool) {
	debugLogging.Store(enabled)
}

func warnf(msg string, args ...any) {
	if debugLogging.Load() {
		slog.Debug(msg, args...)
	}
}

// RegisterType makes a concrete type encodable when transmitted inside an
// interface value. Forwards to gob.Register.
func RegisterType(v any) {
	gob.Register(v)
}

// ComputeCID returns the lowercase sha-512 hex digest of b (128 chars).
func ComputeCID(b []byte) string {
	sum := sha512.Sum512(b)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether b hashes to the claimed CID.
func Verify(b []byte, claimed string) bool {
	return ComputeCID(b) == claimed
}

// gobValue wraps an arbitrary value so gob can encode it through an
// interface field.
type gobValue struct {
	V any
}

// Serialize encodes v as a binary payload. It is total: if gob cannot encode
// v, the result is a placeholder payload, never an error.
func Serialize(v any) Payload {
	return SerializeDepth(v, DefaultPlaceholderDepth)
}

// SerializeDepth is Serialize with an explicit attribute-walk depth for the
// degradation path.
func SerializeDepth(v any, depth int) Payload {
	return serialize(v, depth, newVisited())
}

func serialize(v any, depth int, visited *visitedSet) Payload {
	b, err := encodeBinary(v)
	if err == nil {
		return Payload{CID: ComputeCID(b), Format: FormatBinary, Bytes: b}
	}
	warnf("binary encoding failed, degrading to placeholder",
		"type", fmt.Sprintf("%T", v), "error", err)
	ph := degrade(v, err, depth, visited)
	return ph.payload()
}

// SerializeJSON encodes v as a json payload. Degrades to a placeholder when
// v has no JSON representation.
func SerializeJSON(v any) Payload {
	b, err := json.Marshal(v)
	if err != nil {
		warnf("json encoding failed, degrading to placeholder",
			"type", fmt.Sprintf("%T", v), "error", err)
		ph := degrade(v, err, DefaultPlaceholderDepth, newVisited())
		return ph.payload()
	}
	return Payload{CID: ComputeCID(b), Format: FormatJSON, Bytes: b}
}

// SerializeFormat dispatches on the wire format name. Unknown formats fall
// back to binary.
func SerializeFormat(v any, format string) Payload {
	if format == FormatJSON {
		return SerializeJSON(v)
	}
	return Serialize(v)
}

func encodeBinary(v any) (b []byte, err error) {
	defer func() {
		// gob panics on some unsupported shapes instead of returning an
		// error; treat both identically.
		if r := recover(); r != nil {
			err = fmt.Errorf("gob: %v", r)
		}
	}()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&gobValue{V: v}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize decodes payload bytes. It is total: a top-level decode failure
// yields a placeholder describing the failure rather than an error.
func Deserialize(b []byte, format string) any {
	switch format {
	case FormatJSON:
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return decodeFailure(err, format)
		}
		return v
	case FormatPlaceholder:
		ph, err := DecodePlaceholder(b)
		if err != nil {
			return decodeFailure(err, format)
		}
		return ph
	default:
		var gv gobValue
		if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&gv); err != nil {
			return decodeFailure(err, format)
		}
		return gv.V
	}
}

func decodeFailure(err error, format string) *Placeholder {
	warnf("payload decode failed", "format", format, "error", err)
	return &Placeholder{
		IsPlaceholder: true,
		TypeName:      "undecodable",
		PickleError:   err.Error(),
	}
}
