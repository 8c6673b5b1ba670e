// Package errs shapes engine and request errors into the v1 API's error
// responses.
package errs

import "errors"

// Response is the JSON body returned for any failed request. Height and
// Hash locate the offending block when the failure came out of the chain
// engine's validation path.
type Response struct {
	Error  string            `json:"error"`
	Height uint64            `json:"height,omitempty"`
	Hash   string            `json:"hash,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Trusted marks an error whose message is safe to send to the caller,
// together with the HTTP status it maps to and any chain context.
type Trusted struct {
	Err    error
	Status int
	Height uint64
	Hash   string
}

// NewTrusted wraps an expected handler error with its HTTP status.
func NewTrusted(err error, status int) error {
	return &Trusted{Err: err, Status: status}
}

// NewTrustedBlock wraps an engine error tied to a specific block so the
// response carries the height and hash the error is about.
func NewTrustedBlock(err error, status int, height uint64, hash string) error {
	return &Trusted{Err: err, Status: status, Height: height, Hash: hash}
}

// Error implements the error interface using the wrapped error's message.
func (t *Trusted) Error() string {
	return t.Err.Error()
}

// IsTrusted reports whether a Trusted error exists in the chain of
// wrapped errors.
func IsTrusted(err error) bool {
	var t *Trusted
	return errors.As(err, &t)
}

// GetTrusted extracts the Trusted error from the chain of wrapped errors,
// or returns nil when there is none.
func GetTrusted(err error) *Trusted {
	var t *Trusted
	if !errors.As(err, &t) {
		return nil
	}
	return t
}
