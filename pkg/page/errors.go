package page

import (
	"errors"
	"fmt"
)

// Cause classifies a failed fetch.
type Cause int

const (
	// CauseNetwork means no response was obtained (DNS, connection, timeout,
	// unreadable body).
	CauseNetwork Cause = iota
	// CauseHTTP means the origin answered but the answer is reported as a
	// failure: a non-2xx status in strict mode, or a body whose
	// Content-Encoding could not be undone.
	CauseHTTP
)

func (c Cause) String() string {
	if c == CauseHTTP {
		return "http"
	}
	return "network"
}

// ErrBodyTooLarge is returned when an origin body exceeds the fetcher's limit.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// FetchError is returned by a Fetcher for every failed fetch. Response is set
// only when the origin did answer.
type FetchError struct {
	Cause    Cause
	URL      string
	Response *Response
	Err      error
}

func (e *FetchError) Error() string {
	if e.Response != nil {
		return fmt.Sprintf("%s error fetching %s: status %d", e.Cause, e.URL, e.Response.StatusCode)
	}
	return fmt.Sprintf("%s error fetching %s: %v", e.Cause, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Normalize turns a failed fetch into a Result shaped like a successful
// contents fetch. When the failure carries an origin response, its body and
// status are forwarded unchanged; otherwise the result only reports the error.
func Normalize(url string, err error) *Result {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Response != nil {
		statusURL := fe.Response.URL
		if statusURL == "" {
			statusURL = url
		}
		return newResult(KindText, fe.Response, statusURL)
	}

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Result{
		Kind:   KindNetworkFailure,
		Status: Status{Error: msg},
	}
}
