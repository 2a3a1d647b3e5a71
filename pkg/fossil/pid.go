// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package fossil

import (
	"strings"

	"github.com/zeebo/errs"
)

// ErrPID is the class for malformed persistent identifiers.
var ErrPID = errs.Class("invalid pid")

// MaxNamespaceLength limits a configured pid namespace.
const MaxNamespaceLength = 17

// PIDNew is the sentinel an ingest caller passes to request identifier
// generation.
const PIDNew = "new"

// PID is a persistent identifier of the form namespace:localname.
// The alphabet on both sides of the colon is [A-Za-z0-9.-].
type PID string

// IsZero returns whether the pid is unset.
func (pid PID) IsZero() bool { return pid == "" }

// String implements the Stringer interface.
func (pid PID) String() string { return string(pid) }

// Namespace returns the part before the colon.
func (pid PID) Namespace() string {
	if i := strings.IndexByte(string(pid), ':'); i >= 0 {
		return string(pid)[:i]
	}
	return ""
}

// LocalName returns the part after the colon.
func (pid PID) LocalName() string {
	if i := strings.IndexByte(string(pid), ':'); i >= 0 {
		return string(pid)[i+1:]
	}
	return ""
}

// Valid reports whether the pid satisfies the identifier grammar.
func (pid PID) Valid() bool {
	return ParsePID(string(pid)) == nil
}

// ParsePID checks that s is a well formed persistent identifier.
func ParsePID(s string) error {
	i := strings.IndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return ErrPID.New("%q: missing namespace separator", s)
	}
	if err := checkAlphabet(s[:i]); err != nil {
		return ErrPID.New("%q: bad namespace: %v", s, err)
	}
	if err := checkAlphabet(s[i+1:]); err != nil {
		return ErrPID.New("%q: bad local name: %v", s, err)
	}
	return nil
}

// ValidateNamespace checks a configured pid namespace: 1 to 17 characters
// of the identifier alphabet.
func ValidateNamespace(namespace string) error {
	if len(namespace) == 0 || len(namespace) > MaxNamespaceLength {
		return ErrPID.New("namespace %q: must be 1-%d characters", namespace, MaxNamespaceLength)
	}
	if err := checkAlphabet(namespace); err != nil {
		return ErrPID.New("namespace %q: %v", namespace, err)
	}
	return nil
}

func checkAlphabet(s string) error {
	if s == "" {
		return errs.New("empty")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '.':
		default:
			return errs.New("character %q not allowed", r)
		}
	}
	return nil
}

// ManagedToken derives the content store key for a managed datastream
// version: {pid}+{dsID}+{versionID}.
func ManagedToken(pid PID, dsID, versionID string) string {
	return string(pid) + "+" + dsID + "+" + versionID
}
