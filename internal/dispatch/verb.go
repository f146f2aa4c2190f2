// ABOUTME: Verb enumeration for declared endpoints
// ABOUTME: Only GET and POST are dispatchable; anything else is rejected at declaration

package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// Verb is the HTTP method an endpoint is declared for.
type Verb string

const (
	VerbGet  Verb = "GET"
	VerbPost Verb = "POST"
)

// ErrUnsupportedVerb is returned by ParseVerb for anything but GET and POST.
var ErrUnsupportedVerb = errors.New("unsupported verb")

// ParseVerb normalizes s case-insensitively.
func ParseVerb(s string) (Verb, error) {
	switch v := Verb(strings.ToUpper(strings.TrimSpace(s))); v {
	case VerbGet, VerbPost:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVerb, s)
	}
}

func (v Verb) String() string {
	return string(v)
}
