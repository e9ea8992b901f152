package prompt

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

const (
	MinCorpusTokens      = 4096
	DefaultPaddingTokens = 4000

	minSlice         = 8
	maxSlice         = 64
	extraBreakChance = 0.05
)

// Padding generates filler text from a fixed token corpus.
type Padding struct {
	tokens []string
	target int
}

// NewPadding requires at least MinCorpusTokens tokens. target is the token
// count the output must exceed; values <= 0 use DefaultPaddingTokens.
func NewPadding(tokens []string, target int) (*Padding, error) {
	if len(tokens) < MinCorpusTokens {
		return nil, fmt.Errorf("padding corpus has %d tokens, need at least %d", len(tokens), MinCorpusTokens)
	}
	if target <= 0 {
		target = DefaultPaddingTokens
	}
	return &Padding{tokens: tokens, target: target}, nil
}

// Generate returns more than target whitespace separated corpus tokens in
// random contiguous runs. rng may be nil.
func (p *Padding) Generate(rng *rand.Rand) string {
	intN := rand.IntN
	float := rand.Float64
	if rng != nil {
		intN = rng.IntN
		float = rng.Float64
	}
	var b strings.Builder
	pushed := 0
	for pushed <= p.target {
		n := minSlice + intN(maxSlice-minSlice)
		start := intN(len(p.tokens) - n)
		b.WriteString(strings.Join(p.tokens[start:start+n], " "))
		b.WriteByte('\n')
		if float() < extraBreakChance {
			b.WriteByte('\n')
		}
		pushed += n
	}
	return b.String()
}
