// Package chaterr defines the stable error taxonomy surfaced at the API
// boundary. Every user-visible failure carries a kind, a numeric business
// code and a human message; HTTP status is derived from the kind.
package chaterr

import "net/http"

type Kind string

const (
	BadRequest      Kind = "bad_request"
	Unauthorized    Kind = "unauthorized"
	Forbidden       Kind = "forbidden"
	NotFound        Kind = "not_found"
	RateLimited     Kind = "rate_limited"
	UpstreamFailure Kind = "upstream_failure"
	Internal        Kind = "internal"
)

type Error struct {
	Kind    Kind
	Code    int
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

func New(kind Kind, code int, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Status maps the error kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case RateLimited:
		return http.StatusTooManyRequests
	case UpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
