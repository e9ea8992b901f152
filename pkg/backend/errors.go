package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lkarlslund/sessionrelay/pkg/cookie"
	"github.com/tidwall/gjson"
)

// HTTPError is a non-success backend response.
type HTTPError struct {
	Op         string
	StatusCode int
	// Type and Message come from the backend's JSON error envelope when present.
	Type     string
	Message  string
	Body     string
	ResetsAt int64
}

func (e *HTTPError) Error() string {
	detail := e.Message
	if detail == "" {
		detail = e.Body
	}
	if e.Type != "" {
		return fmt.Sprintf("backend %s status %d (%s): %s", e.Op, e.StatusCode, e.Type, detail)
	}
	return fmt.Sprintf("backend %s status %d: %s", e.Op, e.StatusCode, detail)
}

// Blocked reports a Cloudflare interstitial rather than an API answer.
func (e *HTTPError) Blocked() bool {
	if e.StatusCode != http.StatusForbidden && e.StatusCode != http.StatusServiceUnavailable {
		return false
	}
	b := strings.ToLower(e.Body)
	return strings.Contains(b, "cloudflare") || strings.Contains(b, "cf-chl") || strings.Contains(b, "just a moment")
}

// Reason maps the error to the cookie state it implies. It reports false
// when the cookie is not to blame.
func (e *HTTPError) Reason() (cookie.Reason, bool) {
	if e.Blocked() {
		return cookie.Reason{}, false
	}
	msg := strings.ToLower(e.Message + " " + e.Body)
	switch {
	case e.StatusCode == http.StatusTooManyRequests || e.Type == "rate_limit_error":
		if e.ResetsAt > 0 {
			return cookie.Exhausted(e.ResetsAt), true
		}
		return cookie.Of(cookie.ReasonCoolDown), true
	case strings.Contains(msg, "banned"):
		return cookie.Of(cookie.ReasonBanned), true
	case strings.Contains(msg, "verif"):
		return cookie.Of(cookie.ReasonUnverified), true
	case strings.Contains(msg, "disabled"):
		return cookie.Of(cookie.ReasonDisabled), true
	case e.StatusCode == http.StatusUnauthorized:
		return cookie.Of(cookie.ReasonInvalid), true
	case e.StatusCode == http.StatusForbidden && e.Type == "permission_error":
		return cookie.Of(cookie.ReasonInvalid), true
	}
	return cookie.Reason{}, false
}

// AccountError is an organization that cannot serve completions.
type AccountError struct {
	reason cookie.Reason
	Detail string
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("account unusable (%s): %s", e.reason, e.Detail)
}

func (e *AccountError) Reason() (cookie.Reason, bool) {
	return e.reason, true
}

// ReasonOf extracts the cookie reason carried by err, if any.
func ReasonOf(err error) (cookie.Reason, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Reason()
	}
	var ae *AccountError
	if errors.As(err, &ae) {
		return ae.Reason()
	}
	return cookie.Reason{}, false
}

func newHTTPError(op string, status int, body []byte) *HTTPError {
	e := &HTTPError{Op: op, StatusCode: status, Body: strings.TrimSpace(string(body))}
	if !gjson.ValidBytes(body) {
		return e
	}
	root := gjson.ParseBytes(body)
	e.Type = root.Get("error.type").String()
	e.Message = root.Get("error.message").String()
	if e.Message == "" {
		e.Message = root.Get("detail").String()
	}
	// Rate limit messages embed another JSON document.
	if inner := e.Message; gjson.Valid(inner) {
		if ts := gjson.Get(inner, "resetsAt").Int(); ts > 0 {
			e.ResetsAt = ts
		}
	}
	if e.ResetsAt == 0 {
		e.ResetsAt = root.Get("error.resets_at").Int()
	}
	return e
}
