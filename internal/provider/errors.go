package provider

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrMissingCredentials = errors.New("provider credentials not configured")
	ErrEmptyResponse      = errors.New("provider returned no content")
	ErrSafetyBlocked      = errors.New("provider blocked the response by content policy")
)

// Kind is the closed taxonomy every vendor failure is mapped into.
type Kind int

const (
	KindTransient Kind = iota
	KindSafety
	KindMalformed
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindSafety:
		return "safety"
	case KindMalformed:
		return "malformed"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is the only error type adapters return.
type Error struct {
	Provider   Tag
	Kind       Kind
	StatusCode int
	Err        error
	// Usage is set when the vendor answered and billed the call, as with a
	// refusal or an empty completion.
	Usage *Usage
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithUsage marks the failure as a billed vendor answer.
func (e *Error) WithUsage(u Usage) *Error {
	e.Usage = &u
	return e
}

func NewError(p Tag, kind Kind, err error) *Error {
	return &Error{Provider: p, Kind: kind, Err: err}
}

// FromStatus maps a non-2xx vendor status onto the taxonomy.
// Bad requests and auth failures mean the route or its credentials are wrong.
func FromStatus(p Tag, status int, body string) *Error {
	kind := KindTransient
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		kind = KindConfiguration
	}
	return &Error{
		Provider:   p,
		Kind:       kind,
		StatusCode: status,
		Err:        fmt.Errorf("api error: %s", body),
	}
}

// FromTransport wraps errors raised before a vendor status was seen.
func FromTransport(p Tag, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	// Timeouts, resets and cancellations all count as transient.
	return &Error{Provider: p, Kind: KindTransient, Err: err}
}

// KindOf returns the taxonomy kind of any error; unknown errors count as transient.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// UsageOf returns the tokens a failed call was billed for. ok is false when
// the vendor never answered.
func UsageOf(err error) (u Usage, ok bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Usage != nil {
		return *pe.Usage, true
	}
	return Usage{}, false
}

func IsConfiguration(err error) bool {
	return err != nil && KindOf(err) == KindConfiguration
}
