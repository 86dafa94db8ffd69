// Package venues defines the adapter contract every exchange integration
// implements, plus the shared error taxonomy and REST plumbing they build on.
package venues

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies adapter failures so callers can decide between
// retrying, backing off, or disabling a credential.
type ErrorKind string

const (
	// KindAuth - venue rejected the credentials or signature
	KindAuth ErrorKind = "auth"
	// KindCooldown - credential is locked out client-side after repeated auth failures
	KindCooldown ErrorKind = "cooldown"
	// KindRateLimited - venue asked us to slow down (HTTP 429)
	KindRateLimited ErrorKind = "rate_limited"
	// KindNetwork - timeout, DNS or connection failure before a response arrived
	KindNetwork ErrorKind = "network"
	// KindVenue - venue returned an error response (5xx or an error body)
	KindVenue ErrorKind = "venue"
	// KindNotSupported - the adapter does not implement the requested capability
	KindNotSupported ErrorKind = "not_supported"
	// KindValidation - the request was malformed before it reached the venue
	KindValidation ErrorKind = "validation"
	// KindStorage - local persistence failed
	KindStorage ErrorKind = "storage"
	// KindNotFound - the requested entity does not exist
	KindNotFound ErrorKind = "not_found"
)

// Error is the failure type returned by all venue adapters.
type Error struct {
	Kind       ErrorKind
	Venue      string
	Code       int    // HTTP status or venue-specific numeric code, 0 when not applicable
	Message    string
	RetryAfter time.Duration // only set for rate limits
	Until      time.Time     // only set for cooldowns
	Err        error         // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Venue == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Venue, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewAuthError reports rejected credentials or a bad signature.
func NewAuthError(venue, message string) *Error {
	return &Error{Kind: KindAuth, Venue: venue, Message: message}
}

// NewCooldownError reports a credential locked out until the given time.
func NewCooldownError(venue string, until time.Time) *Error {
	return &Error{
		Kind:    KindCooldown,
		Venue:   venue,
		Message: fmt.Sprintf("credential in cooldown until %s", until.UTC().Format(time.RFC3339)),
		Until:   until,
	}
}

// NewRateLimited reports an HTTP 429. retryAfter is zero when the venue
// did not send a Retry-After header.
func NewRateLimited(venue string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Venue:      venue,
		Code:       429,
		Message:    "rate limited",
		RetryAfter: retryAfter,
	}
}

// NewNetworkError reports a transport-level failure.
func NewNetworkError(venue string, err error) *Error {
	msg := "network failure"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: KindNetwork, Venue: venue, Message: msg, Err: err}
}

// NewVenueError reports an error response from the venue itself.
func NewVenueError(venue string, code int, message string) *Error {
	return &Error{Kind: KindVenue, Venue: venue, Code: code, Message: message}
}

// NewNotSupported reports a capability the adapter does not implement.
func NewNotSupported(venue, operation string) *Error {
	return &Error{
		Kind:    KindNotSupported,
		Venue:   venue,
		Message: fmt.Sprintf("%s is not supported", operation),
	}
}

// NewValidationError reports a request rejected before reaching the venue.
func NewValidationError(venue, message string) *Error {
	return &Error{Kind: KindValidation, Venue: venue, Message: message}
}

// NewStorageError reports a local persistence failure. venue may be empty
// for errors that are not scoped to one venue.
func NewStorageError(venue string, err error) *Error {
	msg := "storage failure"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: KindStorage, Venue: venue, Message: msg, Err: err}
}

// NewNotFoundError reports a missing entity.
func NewNotFoundError(venue, message string) *Error {
	return &Error{Kind: KindNotFound, Venue: venue, Message: message}
}

// FromStatusCode maps an HTTP response status to the right error kind.
// Bodies are truncated; venues embed long HTML pages in error responses.
func FromStatusCode(venue string, status int, body string, retryAfter time.Duration) *Error {
	const maxBody = 200
	if len(body) > maxBody {
		body = body[:maxBody]
	}

	switch {
	case status == 401 || status == 403:
		return &Error{Kind: KindAuth, Venue: venue, Code: status, Message: body}
	case status == 429:
		return &Error{Kind: KindRateLimited, Venue: venue, Code: status, Message: "rate limited", RetryAfter: retryAfter}
	case status == 400 || status == 422:
		return &Error{Kind: KindValidation, Venue: venue, Code: status, Message: body}
	case status >= 500:
		return &Error{Kind: KindVenue, Venue: venue, Code: status, Message: body}
	default:
		return &Error{Kind: KindVenue, Venue: venue, Code: status, Message: body}
	}
}

// AsError unwraps err into a venue Error when possible.
func AsError(err error) (*Error, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

func isKind(err error, kind ErrorKind) bool {
	if ve, ok := AsError(err); ok {
		return ve.Kind == kind
	}
	return false
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return isKind(err, KindAuth) }

// IsCooldown reports whether err is a client-side credential cooldown.
func IsCooldown(err error) bool { return isKind(err, KindCooldown) }

// IsRateLimited reports whether err is a venue rate limit.
func IsRateLimited(err error) bool { return isKind(err, KindRateLimited) }

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool { return isKind(err, KindNetwork) }

// IsVenue reports whether err is a venue-reported failure.
func IsVenue(err error) bool { return isKind(err, KindVenue) }

// IsNotSupported reports whether err marks an unimplemented capability.
func IsNotSupported(err error) bool { return isKind(err, KindNotSupported) }

// IsValidation reports whether err is a client-side validation failure.
func IsValidation(err error) bool { return isKind(err, KindValidation) }

// IsStorage reports whether err is a persistence failure.
func IsStorage(err error) bool { return isKind(err, KindStorage) }

// IsNotFound reports whether err marks a missing entity.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }
