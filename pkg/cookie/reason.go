package cookie

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ReasonKind int

const (
	ReasonNull ReasonKind = iota
	ReasonDisabled
	ReasonUnverified
	ReasonOverlap
	ReasonBanned
	ReasonInvalid
	ReasonExhausted
	ReasonCoolDown
)

var reasonNames = map[ReasonKind]string{
	ReasonNull:       "null",
	ReasonDisabled:   "disabled",
	ReasonUnverified: "unverified",
	ReasonOverlap:    "overlap",
	ReasonBanned:     "banned",
	ReasonInvalid:    "invalid",
	ReasonExhausted:  "exhausted",
	ReasonCoolDown:   "cooldown",
}

// Reason explains why a cookie left the active pool. ResetAt is only
// meaningful for ReasonExhausted.
type Reason struct {
	Kind    ReasonKind
	ResetAt int64
}

func Exhausted(resetAt int64) Reason {
	return Reason{Kind: ReasonExhausted, ResetAt: resetAt}
}

func Of(kind ReasonKind) Reason {
	return Reason{Kind: kind}
}

func (r Reason) String() string {
	switch r.Kind {
	case ReasonNull:
		return "Null"
	case ReasonDisabled:
		return "Organization Disabled"
	case ReasonUnverified:
		return "Unverified"
	case ReasonOverlap:
		return "Overlap"
	case ReasonBanned:
		return "Banned"
	case ReasonInvalid:
		return "Invalid"
	case ReasonExhausted:
		return fmt.Sprintf("Temporarily Exhausted: %d", r.ResetAt)
	case ReasonCoolDown:
		return "Cooling down"
	default:
		return "Unknown"
	}
}

// Expired reports whether an Exhausted reason has passed its reset time.
func (r Reason) Expired(now time.Time) bool {
	return r.Kind == ReasonExhausted && r.ResetAt > 0 && r.ResetAt <= now.Unix()
}

func (r Reason) MarshalText() ([]byte, error) {
	name, ok := reasonNames[r.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown reason kind %d", r.Kind)
	}
	if r.Kind == ReasonExhausted {
		return []byte(name + ":" + strconv.FormatInt(r.ResetAt, 10)), nil
	}
	return []byte(name), nil
}

func (r *Reason) UnmarshalText(b []byte) error {
	name, arg, _ := strings.Cut(strings.ToLower(strings.TrimSpace(string(b))), ":")
	for kind, n := range reasonNames {
		if n != name {
			continue
		}
		*r = Reason{Kind: kind}
		if kind == ReasonExhausted && arg != "" {
			ts, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("parse exhausted reset time: %w", err)
			}
			r.ResetAt = ts
		}
		return nil
	}
	return fmt.Errorf("unknown reason %q", string(b))
}
