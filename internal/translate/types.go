// Package translate holds the request/result types shared by the gateway,
// its clients and the session pipeline.
package translate

import (
	"errors"
	"fmt"
)

// Error messages returned to callers of the gateway.
const (
	MessageMissingFields = "Missing required fields"
	MessageFailed        = "Translation failed"
	MessageInvalidBody   = "Invalid request body"
)

// ErrMissingFields reports a request whose text or target language is empty
// after sanitization.
var ErrMissingFields = errors.New("missing required fields")

// Request is the wire form of a translation request. Fields are decoded
// loosely so that non-string values can be rejected by sanitization rather
// than by the JSON decoder.
type Request struct {
	Text       any `json:"text"`
	TargetLang any `json:"targetLang"`
	SourceLang any `json:"sourceLang"`
}

// NewRequest builds a Request from plain strings.
func NewRequest(text, sourceLang, targetLang string) Request {
	return Request{Text: text, SourceLang: sourceLang, TargetLang: targetLang}
}

// Result is either a translation or an error with its HTTP status.
type Result struct {
	Translation string
	Error       string
	HTTPStatus  int
}

// OK reports whether r carries a translation.
func (r Result) OK() bool {
	return r.Error == ""
}

// Err converts a failed result into a *StatusError.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &StatusError{Status: r.HTTPStatus, Message: r.Error}
}

// StatusError is a non-2xx reply from the gateway. Message is the
// server-provided error text and may be empty.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("translate: status %d", e.Status)
	}
	return fmt.Sprintf("translate: status %d: %s", e.Status, e.Message)
}
