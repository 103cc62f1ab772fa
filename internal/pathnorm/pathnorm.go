// Package pathnorm canonicalizes document paths for safe storage and
// uniqueness checking: NFKC normalization, separator unification,
// traversal rejection, and a 512-codepoint ceiling.
package pathnorm

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxPathChars is the maximum allowed path length in codepoints, measured
// after normalization.
const MaxPathChars = 512

var (
	// ErrEmpty is returned for an empty input or one that normalizes to no
	// components at all (e.g. all-slash input).
	ErrEmpty = errors.New("pathnorm: path is empty")
	// ErrTooLong is returned when the normalized path exceeds MaxPathChars.
	ErrTooLong = errors.New("pathnorm: path exceeds maximum length")
	// ErrNullByte is returned when the input contains an embedded NUL.
	ErrNullByte = errors.New("pathnorm: path contains null byte")
)

// TraversalError reports a rejected `.` or `..` path component.
type TraversalError struct{ Component string }

func (e *TraversalError) Error() string {
	return fmt.Sprintf("pathnorm: path contains directory traversal component: %s", e.Component)
}

// InvalidComponentError reports a rejected whitespace-only component.
type InvalidComponentError struct{ Reason string }

func (e *InvalidComponentError) Error() string {
	return fmt.Sprintf("pathnorm: path contains invalid component: %s", e.Reason)
}

// Normalize canonicalizes a document path. Rules:
//   - apply Unicode NFKC normalization
//   - convert all separators to '/'
//   - collapse consecutive '/' into one
//   - strip leading and trailing '/'
//   - reject '.' and '..' components (traversal)
//   - reject null bytes
//   - reject empty paths
//   - enforce a 512 codepoint limit, measured after normalization
func Normalize(input string) (string, error) {
	if input == "" {
		return "", ErrEmpty
	}
	if strings.ContainsRune(input, 0) {
		return "", ErrNullByte
	}

	normalized := norm.NFKC.String(input)
	unified := strings.ReplaceAll(normalized, "\\", "/")

	var components []string
	for _, c := range strings.Split(unified, "/") {
		if c != "" {
			components = append(components, c)
		}
	}
	if len(components) == 0 {
		return "", ErrEmpty
	}

	for _, c := range components {
		if c == "." || c == ".." {
			return "", &TraversalError{Component: c}
		}
		if strings.TrimSpace(c) == "" {
			return "", &InvalidComponentError{Reason: "(whitespace-only component)"}
		}
	}

	result := strings.Join(components, "/")
	if len([]rune(result)) > MaxPathChars {
		return "", ErrTooLong
	}
	return result, nil
}
