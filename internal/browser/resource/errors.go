package resource

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Error domains.
const (
	DomainNet    = "net"
	DomainLoader = "loader"
)

// Chromium-compatible error codes, so embedders can switch on familiar values.
const (
	ErrCodeFailed             = -2
	ErrCodeAborted            = -3
	ErrCodeInvalidArgument    = -4
	ErrCodeTimedOut           = -7
	ErrCodeFileTooBig         = -8
	ErrCodeUnexpected         = -9
	ErrCodeBlockedByClient    = -20
	ErrCodeConnectionReset    = -101
	ErrCodeConnectionRefused  = -102
	ErrCodeNameNotResolved    = -105
	ErrCodeInternetDisconnect = -106
	ErrCodeCertInvalid        = -207
	ErrCodeInvalidURL         = -300
	ErrCodeDisallowedScheme   = -301
	ErrCodeUnknownScheme      = -302
	ErrCodeTooManyRedirects   = -310
	ErrCodeEmptyResponse      = -324
	ErrCodeInvalidResponse    = -320
)

// Error describes why a resource load did not complete.
type Error struct {
	Domain      string
	Code        int
	FailingURL  string
	Description string
	cancelled   bool
	cause       error
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s error %d loading %q: %s", e.Domain, e.Code, e.FailingURL, e.Description)
	}
	return fmt.Sprintf("%s error %d loading %q", e.Domain, e.Code, e.FailingURL)
}

func (e *Error) Unwrap() error { return e.cause }

// IsCancellation reports whether the load was stopped deliberately rather than failing.
func (e *Error) IsCancellation() bool { return e.cancelled }

// CancelledError is the error used for every deliberate stop: caller cancellation,
// policy vetoes and blocked redirects alike.
func CancelledError(u *url.URL) *Error {
	failing := ""
	if u != nil {
		failing = u.String()
	}
	return &Error{
		Domain:      DomainNet,
		Code:        ErrCodeAborted,
		FailingURL:  failing,
		Description: "cancelled",
		cancelled:   true,
	}
}

// NewError builds a non-cancellation error with an optional cause.
func NewError(code int, u *url.URL, description string, cause error) *Error {
	failing := ""
	if u != nil {
		failing = u.String()
	}
	return &Error{Domain: DomainNet, Code: code, FailingURL: failing, Description: description, cause: cause}
}

// IsCancelled reports whether err is, or wraps, a cancellation.
func IsCancelled(err error) bool {
	var rerr *Error
	return errors.As(err, &rerr) && rerr.IsCancellation()
}

// ClassifyNetworkError maps a transport failure onto an error code.
func ClassifyNetworkError(u *url.URL, err error) *Error {
	if err == nil {
		return nil
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr
	}
	if errors.Is(err, context.Canceled) {
		e := CancelledError(u)
		e.cause = err
		return e
	}
	code := ErrCodeFailed
	var (
		dnsErr  *net.DNSError
		opErr   *net.OpError
		netErr  net.Error
		certErr *tls.CertificateVerificationError
		unkAuth x509.UnknownAuthorityError
		hostErr x509.HostnameError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimedOut
	case errors.As(err, &dnsErr):
		code = ErrCodeNameNotResolved
	case errors.As(err, &certErr), errors.As(err, &unkAuth), errors.As(err, &hostErr):
		code = ErrCodeCertInvalid
	case errors.As(err, &netErr) && netErr.Timeout():
		code = ErrCodeTimedOut
	case errors.As(err, &opErr) && opErr.Op == "dial":
		code = ErrCodeConnectionRefused
	default:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "connection reset"):
			code = ErrCodeConnectionReset
		case strings.Contains(msg, "connection refused"):
			code = ErrCodeConnectionRefused
		case strings.Contains(msg, "timeout"):
			code = ErrCodeTimedOut
		case strings.Contains(msg, "eof"):
			code = ErrCodeEmptyResponse
		}
	}
	return NewError(code, u, err.Error(), err)
}
