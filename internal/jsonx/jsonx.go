// Package jsonx routes all JSON encoding through Sonic so the wire
// envelopes, trace payloads, and JSON table columns share one codec.
package jsonx

import (
	"encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

// RawMessage is a raw encoded JSON value, compatible with the standard
// library type so callers can defer decoding of envelope arguments.
type RawMessage = json.RawMessage

var api = sonic.Config{
	EscapeHTML: false,
	UseInt64:   true,
}.Froze()

// Marshal returns the JSON encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal parses data and stores the result in the value pointed to by v.
func Unmarshal(data []byte, v interface{}) error {
	return api.Unmarshal(data, v)
}

// MarshalIndent is like Marshal but indents the output for human readers.
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// MarshalToString is Marshal without the []byte to string copy.
func MarshalToString(v interface{}) (string, error) {
	return api.MarshalToString(v)
}

// UnmarshalFromString parses the JSON string and stores the result in v.
func UnmarshalFromString(data string, v interface{}) error {
	return api.UnmarshalFromString(data, v)
}

// NewDecoder returns a streaming decoder reading from r. Used by the
// stdio tool transport, which decodes one request per frame.
func NewDecoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}

// NewEncoder returns a streaming encoder writing to w.
func NewEncoder(w io.Writer) sonic.Encoder {
	return api.NewEncoder(w)
}

// Valid reports whether data is valid JSON.
func Valid(data []byte) bool {
	return api.Valid(data)
}
