package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies failures for retry accounting and run summaries.
type ErrorKind string

// Error kinds.
const (
	KindTransientFetch   ErrorKind = "transient_fetch"
	KindPermanentContent ErrorKind = "permanent_content"
	KindQuotaExceeded    ErrorKind = "quota_exceeded"
	KindDataIntegrity    ErrorKind = "data_integrity"
	KindTerminalAttempts ErrorKind = "terminal_attempts"
	KindUnknown          ErrorKind = "unknown"
)

// Sentinel errors matched via errors.Is.
var (
	ErrTransientFetch   = errors.New("transient fetch error")
	ErrPermanentContent = errors.New("permanent content error")
	ErrQuotaExceeded    = errors.New("upstream quota exceeded")
	ErrDataIntegrity    = errors.New("data integrity violation")
	ErrTerminalAttempts = errors.New("maximum attempts exceeded")
	ErrNotFound         = errors.New("record not found")
	ErrNoJobAvailable   = errors.New("no job available")
)

var kindSentinels = map[ErrorKind]error{
	KindTransientFetch:   ErrTransientFetch,
	KindPermanentContent: ErrPermanentContent,
	KindQuotaExceeded:    ErrQuotaExceeded,
	KindDataIntegrity:    ErrDataIntegrity,
	KindTerminalAttempts: ErrTerminalAttempts,
}

// Error is a classified pipeline failure.
type Error struct {
	Kind       ErrorKind
	Op         string
	URL        string
	StatusCode int
	Err        error
}

// NewError wraps err with a kind and operation label.
func NewError(kind ErrorKind, op, url string, err error) *Error {
	return &Error{Kind: kind, Op: op, URL: url, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode > 0:
		return fmt.Sprintf("%s %s: HTTP %d for %s", e.Op, e.Kind, e.StatusCode, e.URL)
	case e.URL != "":
		return fmt.Sprintf("%s %s: %v for %s", e.Op, e.Kind, e.Err, e.URL)
	default:
		return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf classifies err. Unclassified errors report KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// HTTP status boundaries used for classification.
const (
	statusTooManyRequests = http.StatusTooManyRequests
	statusServerErrorLow  = 500
	statusServerErrorHigh = 599
)

// ClassifyHTTPStatus returns nil for 2xx/3xx and a classified error otherwise.
// 5xx, 408 and a per-site 429 are transient; other 4xx responses are
// permanent content errors.
func ClassifyHTTPStatus(op, url string, status int) error {
	if status >= 200 && status < 400 {
		return nil
	}
	cause := fmt.Errorf("HTTP %d", status)
	var kind ErrorKind
	switch {
	case status == statusTooManyRequests, status == http.StatusRequestTimeout:
		kind = KindTransientFetch
	case status >= statusServerErrorLow && status <= statusServerErrorHigh:
		kind = KindTransientFetch
	default:
		kind = KindPermanentContent
	}
	return &Error{Kind: kind, Op: op, URL: url, StatusCode: status, Err: cause}
}

// ClassifyQuotaStatus is ClassifyHTTPStatus for metered APIs sharing one
// quota across sources: a 429 there means the quota is exhausted.
func ClassifyQuotaStatus(op, url string, status int) error {
	if status == statusTooManyRequests {
		return &Error{Kind: KindQuotaExceeded, Op: op, URL: url, StatusCode: status, Err: fmt.Errorf("HTTP %d", status)}
	}
	return ClassifyHTTPStatus(op, url, status)
}

// ClassifyTransport wraps network-level failures (DNS, timeouts, resets) as transient.
func ClassifyTransport(op, url string, err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return NewError(KindTransientFetch, op, url, err)
	}
	// Unknown transport failures are retried; attempts still bound them.
	return NewError(KindTransientFetch, op, url, err)
}
