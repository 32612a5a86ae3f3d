package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"era5-downloader/internal/era5"
)

// Kind classifies an archive failure by what the caller should do about it.
type Kind int

const (
	KindTransient   Kind = iota + 1 // retry with backoff
	KindQuota                       // request too large, split it
	KindAuth                        // bad or missing key
	KindRejected                    // the archive will not serve this request
	KindUnavailable                 // circuit open, fail fast
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindQuota:
		return "quota"
	case KindAuth:
		return "auth"
	case KindRejected:
		return "rejected"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is returned for every failed archive call except context cancellation.
type Error struct {
	Kind       Kind
	Op         string // submit | poll | results | download | breaker
	Status     int    // HTTP status, 0 if none
	JobID      string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("archive: ")
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	fmt.Fprintf(&b, " (%s)", e.Kind)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is maps the kind onto the shared sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case era5.ErrTransient:
		return e.Kind == KindTransient
	case era5.ErrQuotaExceeded:
		return e.Kind == KindQuota
	case era5.ErrRejected:
		return e.Kind == KindRejected || e.Kind == KindAuth
	}
	return false
}

// RetryAfter returns the delay the archive asked for, if any.
func RetryAfter(err error) time.Duration {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// KindOf returns the kind of an archive error, or 0.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

// problem is an RFC 7807 document as returned by the retrieve API.
type problem struct {
	Type      string   `json:"type"`
	Title     string   `json:"title"`
	Status    int      `json:"status"`
	Detail    string   `json:"detail"`
	Traceback string   `json:"traceback"`
	Messages  []string `json:"messages,omitempty"`
}

func (p problem) message() string {
	parts := make([]string, 0, 2)
	if p.Title != "" {
		parts = append(parts, p.Title)
	}
	if p.Detail != "" && p.Detail != p.Title {
		parts = append(parts, p.Detail)
	}
	return strings.Join(parts, ": ")
}

func problemMessage(body []byte) string {
	var p problem
	if err := json.Unmarshal(body, &p); err == nil {
		if msg := p.message(); msg != "" {
			return msg
		}
	}
	return truncate(strings.TrimSpace(string(body)), 200)
}

var (
	quotaPatterns     = []string{"cost limits", "too large", "request is too big"}
	transientPatterns = []string{"queue is full", "too many queued", "temporarily unavailable", "try again later"}
)

// classifyMessage looks at free-text reasons, which is all a failed job gives us.
func classifyMessage(msg string) (Kind, bool) {
	lower := strings.ToLower(msg)
	for _, p := range quotaPatterns {
		if strings.Contains(lower, p) {
			return KindQuota, true
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return KindTransient, true
		}
	}
	return 0, false
}

// classifyStatus turns a non-2xx response into an *Error.
func classifyStatus(op string, status int, body []byte, retryAfter time.Duration) *Error {
	msg := problemMessage(body)
	e := &Error{Op: op, Status: status, Message: msg, RetryAfter: retryAfter}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusRequestEntityTooLarge:
		e.Kind = KindQuota
	case shouldRetryStatus(status):
		e.Kind = KindTransient
	default:
		if k, ok := classifyMessage(msg); ok {
			e.Kind = k
		} else {
			e.Kind = KindRejected
		}
	}
	return e
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
