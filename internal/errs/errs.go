// Package errs implements the project's curated error type.
//
// Curated errors normalise the causal chain produced when a low-level
// failure is wrapped by each calling frame on its way up to main(). A
// plain fmt.Errorf("parse: %w", fmt.Errorf("parse: %w", err)) chain reads
// back with the same segment repeated; Error() here drops a repeated
// leading segment instead (only the first two segments are compared). Errors also carry a Code so callers can
// test "is this a malformed-record error" without string matching.
package errs

import (
	"fmt"
	"strings"
)

// Code identifies the category of a curated error. Callers use Is/Has to
// test for a specific code anywhere in an error's chain.
type Code int

const (
	// Ingestion (trace parser) errors.
	MalformedRecord Code = iota
	NonMonotonicCycle
	UnknownAccessSize
	DialectMismatch

	// Runtime semantic errors.
	UnmappedMemory
	InvalidRegister
	WriteRefused
	UnsupportedFeature

	// Startup errors.
	ELFLoadFailure
	SocketBindFailure
)

var codeNames = map[Code]string{
	MalformedRecord:    "malformed-record",
	NonMonotonicCycle:  "non-monotonic-cycle",
	UnknownAccessSize:  "unknown-access-size",
	DialectMismatch:    "dialect-mismatch",
	UnmappedMemory:     "unmapped-memory",
	InvalidRegister:    "invalid-register",
	WriteRefused:       "write-refused",
	UnsupportedFeature: "unsupported-feature",
	ELFLoadFailure:     "elf-load-failure",
	SocketBindFailure:  "socket-bind-failure",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown-code"
}

// curated is the concrete error implementation. It is never exported
// directly; callers interact with it through Errorf, Is and Has.
type curated struct {
	code    Code
	pattern string
	values  []interface{}
}

// Errorf creates a new curated error tagged with code. The message is
// built lazily (only formatted when Error() is called) so that wrapping
// a curated error inside another curated error preserves the inner
// error's structure for Is/Has, rather than flattening it to a string
// immediately.
func Errorf(code Code, pattern string, values ...interface{}) error {
	return curated{code: code, pattern: pattern, values: values}
}

// Error implements the error interface, normalising the chain by
// dropping an immediately repeated leading segment.
func (e curated) Error() string {
	s := fmt.Errorf(e.pattern, e.values...).Error()
	parts := strings.SplitN(s, ": ", 3)
	if len(parts) > 1 && parts[0] == parts[1] {
		return strings.Join(parts[1:], ": ")
	}
	return strings.Join(parts, ": ")
}

// Code returns the error's own code, distinct from any code nested
// inside its wrapped values.
func (e curated) Code() Code {
	return e.code
}

// IsAny reports whether err is a curated error.
func IsAny(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(curated)
	return ok
}

// Is reports whether err is a curated error with the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	e, ok := err.(curated)
	return ok && e.code == code
}

// Has reports whether err is a curated error with the given code
// anywhere in its wrapped chain.
func Has(err error, code Code) bool {
	if !IsAny(err) {
		return false
	}
	if Is(err, code) {
		return true
	}
	e := err.(curated)
	for _, v := range e.values {
		if inner, ok := v.(curated); ok {
			if Has(inner, code) {
				return true
			}
		}
		if innerErr, ok := v.(error); ok {
			if Has(innerErr, code) {
				return true
			}
		}
	}
	return false
}
