// Package prompt flattens chat turns into the single text blob the backend
// accepts and produces the padding that accompanies it.
package prompt

import (
	"encoding/json"
	"math/rand/v2"
	"strings"
)

const (
	DefaultHuman     = "Human"
	DefaultAssistant = "Assistant"

	plainBreak = "\n\n"
	realBreak  = "\n\n\b"
)

// Assembler holds the rendering options. The zero value renders with the
// default labels and no polyfill.
type Assembler struct {
	UseRealRoles bool
	HumanLabel   string
	AssistLabel  string
	// CustomPrompt, when set, is used verbatim as the polyfill.
	CustomPrompt string
	// Padding is used when CustomPrompt is empty. May be nil.
	Padding *Padding
	Rand    *rand.Rand
}

// Merged is the assembled request text.
type Merged struct {
	// Paste is the flattened conversation, sent as a text attachment.
	Paste string
	// Prompt is the polyfill sent as the visible prompt.
	Prompt string
	Images []ImageSource
}

type chunk struct {
	role Role
	text string
}

// MergeSystem turns a system field into text. A string is used as-is; an
// array contributes the trimmed text of its blocks joined by newlines.
func MergeSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Text == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(b.Text))
	}
	return strings.Join(parts, "\n")
}

func (a *Assembler) labels() (string, string) {
	h, as := a.HumanLabel, a.AssistLabel
	if h == "" {
		h = DefaultHuman
	}
	if as == "" {
		as = DefaultAssistant
	}
	return h, as
}

// Merge renders messages after system. It reports false when nothing
// renderable is left.
func (a *Assembler) Merge(messages []Message, system string) (*Merged, bool) {
	system = strings.TrimSpace(system)
	var images []ImageSource
	var chunks []chunk
	leading := true
	for _, m := range messages {
		if m.Discard {
			continue
		}
		text, imgs := flatten(m.Content)
		images = append(images, imgs...)
		role := m.Role
		if role == RoleSystem {
			if leading {
				if text != "" {
					system = joinNonEmpty(system, text)
				}
				continue
			}
			role = RoleUser
		}
		leading = false
		if text == "" {
			continue
		}
		if n := len(chunks); n > 0 && chunks[n-1].role == role {
			chunks[n-1].text += "\n" + text
			continue
		}
		chunks = append(chunks, chunk{role: role, text: text})
	}
	if len(chunks) == 0 {
		return nil, false
	}

	human, assistant := a.labels()
	lineBreak := plainBreak
	if a.UseRealRoles {
		lineBreak = realBreak
	}
	var b strings.Builder
	rest := chunks
	if system != "" {
		b.WriteString(system)
	} else {
		b.WriteString(chunks[0].text)
		rest = chunks[1:]
	}
	for _, c := range rest {
		label := human
		if c.role == RoleAssistant {
			label = assistant
		}
		b.WriteString(lineBreak)
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(c.text)
	}

	return &Merged{
		Paste:  b.String(),
		Prompt: a.polyfill(),
		Images: images,
	}, true
}

func (a *Assembler) polyfill() string {
	if a.CustomPrompt != "" {
		return a.CustomPrompt
	}
	if a.Padding == nil {
		return ""
	}
	return a.Padding.Generate(a.Rand)
}

func flatten(c Content) (string, []ImageSource) {
	if !c.IsBlocks() {
		return strings.TrimSpace(c.Text), nil
	}
	var parts []string
	var images []ImageSource
	for _, b := range c.Blocks {
		if img, ok := b.Image(); ok {
			images = append(images, img)
			continue
		}
		if b.Type != "text" {
			continue
		}
		if t := strings.TrimSpace(b.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n"), images
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n" + b
}
