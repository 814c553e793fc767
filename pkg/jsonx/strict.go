// Package jsonx decodes low-trust JSON request bodies.
package jsonx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// MaxBodyBytes caps how much of a body ParseStrictJSONBody reads.
const MaxBodyBytes = 1 << 20

var (
	ErrEmptyBody    = errors.New("empty body")
	ErrTrailingJSON = errors.New("trailing data")
	ErrBodyTooLarge = errors.New("body too large")
)

// ParseStrictJSONBody decodes exactly one JSON value from r's body into dst.
//
// Rejected, all meant to map to 400 Bad Request:
//   - empty or whitespace-only body (ErrEmptyBody)
//   - bodies over MaxBodyBytes (ErrBodyTooLarge)
//   - malformed syntax or field-type mismatches (encoding/json errors)
//   - unknown object fields
//   - anything after the first value (ErrTrailingJSON)
//
// Only shape is checked; required fields and semantics are the caller's.
func ParseStrictJSONBody[T any](r *http.Request, dst *T) error {
	if r == nil || r.Body == nil {
		return ErrEmptyBody
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return err
	}
	if len(body) > MaxBodyBytes {
		return ErrBodyTooLarge
	}
	return DecodeStrict(body, dst)
}

// DecodeStrict applies the ParseStrictJSONBody rules to an in-memory document.
func DecodeStrict[T any](data []byte, dst *T) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return ErrEmptyBody
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure no trailing JSON values
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrTrailingJSON
	}
	return nil
}
