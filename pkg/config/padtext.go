package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// MinPadTokens is the smallest padding corpus accepted at startup.
const MinPadTokens = 4096

var nonASCII = regexp.MustCompile(`[^\x00-\x7F]`)

// LoadPadTokens reads a padding corpus, strips non-ASCII characters and
// splits it into whitespace separated tokens.
func LoadPadTokens(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read padtxt: %w", err)
	}
	tokens := PadTokens(string(b))
	if len(tokens) < MinPadTokens {
		return nil, fmt.Errorf("padtxt %s has %d tokens, need at least %d", path, len(tokens), MinPadTokens)
	}
	return tokens, nil
}

func PadTokens(text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(nonASCII.ReplaceAllString(f, ""))
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
