// Package jsonutil centralizes the sonic-backed JSON codec used outside the
// kiro adapter (which keeps its own copy in json_helpers.go for historical
// reasons), so the converter core and pool manager don't each hand-roll a
// sonic.API wrapper.
package jsonutil

import "github.com/bytedance/sonic"

var std = sonic.ConfigStd

// Marshal encodes v with sonic's std-compatible config.
func Marshal(v any) ([]byte, error) {
	return std.Marshal(v)
}

// Unmarshal decodes data into v with sonic's std-compatible config.
func Unmarshal(data []byte, v any) error {
	return std.Unmarshal(data, v)
}

// MarshalIndent encodes v with indentation, for files meant to be
// human-readable on disk (the provider pool document).
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return std.MarshalIndent(v, prefix, indent)
}
