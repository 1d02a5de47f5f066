package calendar

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when the remote event or calendar is gone.
	ErrNotFound = errors.New("remote object not found")

	// ErrTransient marks failures worth retrying later: 5xx, timeouts and
	// transport errors.
	ErrTransient = errors.New("transient remote failure")

	// ErrClient marks requests the remote side rejected (4xx other than 404).
	ErrClient = errors.New("request rejected by remote")
)

// StatusClass is the failure class of an HTTP status.
type StatusClass int

const (
	StatusSuccess StatusClass = iota
	StatusNotFound
	StatusTransient
	StatusClient
)

func (c StatusClass) String() string {
	switch c {
	case StatusSuccess:
		return "success"
	case StatusNotFound:
		return "not-found"
	case StatusTransient:
		return "transient"
	case StatusClient:
		return "client"
	}
	return "unknown"
}

// ClassifyStatus maps an HTTP status code to its failure class. Code 0 means
// no response was received and is transient.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return StatusSuccess
	case code == http.StatusNotFound, code == http.StatusGone:
		return StatusNotFound
	case code == 0, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return StatusTransient
	default:
		return StatusClient
	}
}

// IsRetryableStatus reports whether an envelope status warrants one inline
// retry of the same chunk.
func IsRetryableStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable
}

// StatusError is a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("remote returned %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

// Unwrap lets errors.Is match the status class sentinels.
func (e *StatusError) Unwrap() error {
	switch ClassifyStatus(e.Status) {
	case StatusNotFound:
		return ErrNotFound
	case StatusTransient:
		return ErrTransient
	case StatusClient:
		return ErrClient
	}
	return nil
}

// IsRetryable reports whether err is an envelope failure that warrants one
// inline retry.
func IsRetryable(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && IsRetryableStatus(se.Status)
}
