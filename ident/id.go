// Package ident provides function identifier validation, duration literal
// parsing, and execution ID generation.
package ident

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/c360studio/cascade/apierr"
)

const (
	// MaxFunctionIDLength is the upper bound enforced at validation.
	MaxFunctionIDLength = 64
	// WireMaxFunctionIDLength bounds identifiers arriving on the wire
	// before validation rejects them; storage keys never exceed it.
	WireMaxFunctionIDLength = 255
)

// ValidateFunctionID checks an identifier against the grammar: printable
// ASCII, 1-64 characters, alphanumeric first and last character, interior
// characters alphanumeric plus '-' or '_', and no two consecutive hyphens.
func ValidateFunctionID(id string) error {
	if id == "" {
		return apierr.New(apierr.KindInvalidFunctionID, "function ID must not be empty")
	}
	if len(id) > MaxFunctionIDLength {
		return apierr.Newf(apierr.KindInvalidFunctionID,
			"function ID exceeds %d characters", MaxFunctionIDLength)
	}
	if !isAlnum(id[0]) || !isAlnum(id[len(id)-1]) {
		return apierr.New(apierr.KindInvalidFunctionID,
			"function ID must start and end with an alphanumeric character")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if isAlnum(c) || c == '-' || c == '_' {
			if c == '-' && i > 0 && id[i-1] == '-' {
				return apierr.New(apierr.KindInvalidFunctionID,
					"function ID must not contain consecutive hyphens")
			}
			continue
		}
		return apierr.Newf(apierr.KindInvalidFunctionID,
			"function ID contains invalid character %q", c)
	}
	return nil
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// NewExecutionID generates a unique identifier for one cascade execution.
func NewExecutionID() string {
	return "exec-" + uuid.New().String()
}

// NewRequestID generates a request-scoped correlation identifier.
func NewRequestID() string {
	return "req-" + uuid.New().String()
}

// NewTaskID generates an identifier for an out-of-band human task.
func NewTaskID() string {
	return "task-" + uuid.New().String()
}

// Short returns the first segment of a generated ID for compact logging.
func Short(id string) string {
	if i := strings.IndexByte(id, '-'); i >= 0 && len(id) > i+9 {
		return fmt.Sprintf("%s-%s", id[:i], id[i+1:i+9])
	}
	return id
}
