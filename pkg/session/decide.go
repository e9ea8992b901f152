// Package session tracks the backend conversation bound to the active
// account and decides when it must be replaced.
package session

import (
	"slices"
	"strings"

	"github.com/lkarlslund/sessionrelay/pkg/prompt"
)

type Strategy int

const (
	StrategyAPI Strategy = iota
	StrategyRenew
	StrategyRetryRegen
	StrategyCurrentRenew
	StrategyCurrentContinue
)

func (s Strategy) String() string {
	switch s {
	case StrategyAPI:
		return "api"
	case StrategyRenew:
		return "renew"
	case StrategyRetryRegen:
		return "retry_regen"
	case StrategyCurrentRenew:
		return "current_renew"
	case StrategyCurrentContinue:
		return "current_continue"
	default:
		return "unknown"
	}
}

// IsCurrent reports whether the strategy keeps the existing conversation.
func (s Strategy) IsCurrent() bool {
	return s == StrategyCurrentRenew || s == StrategyCurrentContinue
}

const newChatMarker = "[Start a new chat]"

// PromptsGroup holds the first and last message of each role.
type PromptsGroup struct {
	FirstUser, LastUser           *prompt.Message
	FirstSystem, LastSystem       *prompt.Message
	FirstAssistant, LastAssistant *prompt.Message
}

// FindPrompts groups messages by role. System turns carrying the new chat
// marker are ignored.
func FindPrompts(messages []prompt.Message) PromptsGroup {
	var g PromptsGroup
	for i := range messages {
		m := &messages[i]
		switch m.Role {
		case prompt.RoleUser:
			if g.FirstUser == nil {
				g.FirstUser = m
			}
			g.LastUser = m
		case prompt.RoleAssistant:
			if g.FirstAssistant == nil {
				g.FirstAssistant = m
			}
			g.LastAssistant = m
		case prompt.RoleSystem:
			if strings.TrimSpace(m.Content.PlainText()) == newChatMarker {
				continue
			}
			if g.FirstSystem == nil {
				g.FirstSystem = m
			}
			g.LastSystem = m
		}
	}
	return g
}

// SamePrompts compares the non-system turns of a and b as multisets.
func SamePrompts(a, b []prompt.Message) bool {
	ka, kb := turnKeys(a), turnKeys(b)
	return slices.Equal(ka, kb)
}

func turnKeys(msgs []prompt.Message) []string {
	keys := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == prompt.RoleSystem {
			continue
		}
		keys = append(keys, m.Key())
	}
	slices.Sort(keys)
	return keys
}

func sameContent(a, b *prompt.Message) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Content.PlainText() == b.Content.PlainText()
}

// SameCharDiffChat is true when both requests share the first system and
// user turn but the conversations otherwise differ.
func SameCharDiffChat(current, previous []prompt.Message) bool {
	if SamePrompts(current, previous) {
		return false
	}
	cur, prev := FindPrompts(current), FindPrompts(previous)
	return sameContent(cur.FirstSystem, prev.FirstSystem) && sameContent(cur.FirstUser, prev.FirstUser)
}

type Inputs struct {
	RenewAlways      bool
	RetryRegenerate  bool
	HasConversation  bool
	PrevImpersonated bool
	HasCharacter     bool
	// APIKeyAuth selects the reserved API strategy.
	APIKeyAuth bool
	Current    []prompt.Message
	Previous   []prompt.Message
}

type Decision struct {
	Strategy    Strategy
	ShouldRenew bool
	RetryRegen  bool
	SamePrompts bool
	// UpdateHistory is false for an identical resend; the stored snapshot
	// is kept as-is.
	UpdateHistory bool
	// DeleteCurrent asks for the existing conversation to be removed.
	DeleteCurrent bool
}

// Decide picks the strategy for the next request. Cookie auth always
// resolves to StrategyRenew; the other fields are kept for logging.
func Decide(in Inputs) Decision {
	same := SamePrompts(in.Current, in.Previous)
	charDiff := !same && SameCharDiffChat(in.Current, in.Previous)
	d := Decision{
		SamePrompts:   same,
		UpdateHistory: !same,
		DeleteCurrent: in.HasConversation,
	}
	d.ShouldRenew = in.RenewAlways ||
		!in.HasConversation ||
		in.PrevImpersonated ||
		(!in.RenewAlways && same) ||
		charDiff
	d.RetryRegen = in.RetryRegenerate && same && in.HasCharacter
	switch {
	case in.APIKeyAuth:
		d.Strategy = StrategyAPI
	default:
		d.Strategy = StrategyRenew
	}
	return d
}
