package cookie

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Placeholder is written into freshly generated configs so users know where
// their session key goes. It is well-formed but never handed out.
const Placeholder = "sk-ant-REDACTED"

const displayPrefix = "sessionKey="

var validPattern = regexp.MustCompile(`^sk-ant-sid01-[0-9A-Za-z_-]{86}-[0-9A-Za-z_-]{6}AA$`)

// Cookie is a normalized backend session key. The zero value is empty.
type Cookie struct {
	inner string
}

// Parse normalizes raw input. Malformed values are kept so the pool can
// still retire them with a reason; a warning is logged.
func Parse(raw string) Cookie {
	c := Cookie{inner: normalize(raw)}
	if !c.Validate() {
		log.Warn("malformed cookie", "cookie", c.String())
	}
	return c
}

func normalize(raw string) string {
	if _, after, ok := strings.Cut(raw, "@"); ok {
		raw = after
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '=', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.TrimPrefix(b.String(), displayPrefix)
}

// Validate reports whether the token has the full sk-ant-sid01 shape.
func (c Cookie) Validate() bool {
	return validPattern.MatchString(c.inner)
}

// IsZero reports whether no token was parsed.
func (c Cookie) IsZero() bool {
	return c.inner == ""
}

// IsPlaceholder reports whether c is the generated config placeholder.
func (c Cookie) IsPlaceholder() bool {
	return c.inner == Placeholder
}

// Inner returns the bare token without the sessionKey= prefix.
func (c Cookie) Inner() string {
	return c.inner
}

func (c Cookie) String() string {
	return displayPrefix + c.inner
}

// Short is a log-friendly abbreviation.
func (c Cookie) Short() string {
	if len(c.inner) <= 24 {
		return c.inner
	}
	return c.inner[:16] + "..." + c.inner[len(c.inner)-6:]
}

func (c Cookie) Less(o Cookie) bool {
	return c.inner < o.inner
}

// MarshalText writes the sessionKey= form used in config files.
func (c Cookie) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Cookie) UnmarshalText(b []byte) error {
	c.inner = normalize(string(b))
	return nil
}

// Info is a cookie in the active pool.
type Info struct {
	Cookie Cookie `toml:"cookie" json:"cookie"`
	// Model binds the cookie to a single model for non-pro accounts.
	Model string `toml:"model,omitempty" json:"model,omitempty"`
	// ResetTime is a unix timestamp before which the cookie should not be used.
	ResetTime int64 `toml:"reset_time,omitempty" json:"reset_time,omitempty"`
}

// NewInfo parses raw and drops a reset time that already passed.
func NewInfo(raw string, model string, resetTime int64) Info {
	info := Info{Cookie: Parse(raw), Model: strings.TrimSpace(model), ResetTime: resetTime}
	info.Normalize(time.Now())
	return info
}

// Normalize clears reset times that have already passed.
func (i *Info) Normalize(now time.Time) {
	if i.ResetTime != 0 && i.ResetTime <= now.Unix() {
		i.ResetTime = 0
	}
	i.Model = strings.TrimSpace(i.Model)
}

// Usable reports whether the cookie can be handed out at now.
func (i Info) Usable(now time.Time) bool {
	if i.Cookie.IsZero() || i.Cookie.IsPlaceholder() {
		return false
	}
	return i.ResetTime == 0 || i.ResetTime <= now.Unix()
}

func (i Info) String() string {
	if i.ResetTime == 0 {
		return i.Cookie.Short()
	}
	return fmt.Sprintf("%s (resets %s)", i.Cookie.Short(), time.Unix(i.ResetTime, 0).UTC().Format(time.RFC3339))
}

// Wasted is a retired cookie. Identity ignores the reason.
type Wasted struct {
	Cookie Cookie `toml:"cookie" json:"cookie"`
	Reason Reason `toml:"reason" json:"reason"`
}

// SameCookie compares by token only.
func (w Wasted) SameCookie(o Wasted) bool {
	return w.Cookie == o.Cookie
}
