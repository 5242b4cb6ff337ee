package helpme

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a failed backend call.
type Kind int

// Error kinds.
const (
	KindUnavailable Kind = iota
	KindUnauthorized
	KindNotFound
	KindQuotaExceeded
	KindValidation
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindValidation:
		return "validation"
	case KindRejected:
		return "rejected"
	default:
		return "unavailable"
	}
}

// Sentinels for errors.Is checks against *Error.
var (
	ErrUnavailable   = errors.New("helpme: backend unavailable")
	ErrUnauthorized  = errors.New("helpme: unauthorized")
	ErrNotFound      = errors.New("helpme: not found")
	ErrQuotaExceeded = errors.New("helpme: quota exceeded")
	ErrValidation    = errors.New("helpme: validation failed")
	ErrRejected      = errors.New("helpme: request rejected")
)

// Error is returned for every failed backend call.
type Error struct {
	Kind    Kind
	Status  int // 0 for transport failures
	Message string
	// ResetAt is set for quota errors when the backend says when the quota refills.
	ResetAt *time.Time
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("helpme: ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindUnauthorized:
		return ErrUnauthorized
	case KindNotFound:
		return ErrNotFound
	case KindQuotaExceeded:
		return ErrQuotaExceeded
	case KindValidation:
		return ErrValidation
	case KindRejected:
		return ErrRejected
	default:
		return ErrUnavailable
	}
}

// kindForStatus maps an HTTP status outside 2xx to a Kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden || status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindQuotaExceeded
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status >= 500:
		return KindUnavailable
	default:
		return KindRejected
	}
}

type errorBody struct {
	Error   json.RawMessage `json:"error"`
	Message json.RawMessage `json:"message"`
	ResetAt json.RawMessage `json:"resetAt"`
}

// newStatusError builds an *Error from a non-2xx response.
func newStatusError(status int, body []byte, header http.Header, now time.Time) *Error {
	e := &Error{Kind: kindForStatus(status), Status: status}

	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		e.Message = messageText(eb.Message)
		if e.Message == "" {
			e.Message = messageText(eb.Error)
		}
		if e.Kind == KindQuotaExceeded {
			e.ResetAt = parseResetAt(eb.ResetAt)
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	if e.Kind == KindQuotaExceeded && e.ResetAt == nil {
		if secs, err := strconv.Atoi(header.Get("Retry-After")); err == nil && secs >= 0 {
			t := now.Add(time.Duration(secs) * time.Second).UTC()
			e.ResetAt = &t
		}
	}
	return e
}

// messageText accepts a string or an array of strings.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return strings.TrimSpace(strings.Join(list, "; "))
	}
	return ""
}

// parseResetAt accepts RFC 3339 text or a unix timestamp in seconds or
// milliseconds.
func parseResetAt(raw json.RawMessage) *time.Time {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		s = strings.TrimSpace(s)
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			t = t.UTC()
			return &t
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixAuto(n)
		}
		return nil
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil && f > 0 {
		return unixAuto(int64(f))
	}
	return nil
}

func unixAuto(n int64) *time.Time {
	var t time.Time
	if n >= 1e12 {
		t = time.UnixMilli(n).UTC()
	} else {
		t = time.Unix(n, 0).UTC()
	}
	return &t
}
