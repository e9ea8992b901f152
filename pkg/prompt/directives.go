package prompt

import (
	"encoding/json"
	"regexp"
	"slices"
	"strings"
)

var (
	legacyModel   = regexp.MustCompile(`(?i)claude-([12]|instant)`)
	completeAPI   = regexp.MustCompile(`(?i)<\|completeAPI\|>`)
	messagesAPI   = regexp.MustCompile(`<\|messagesAPI\|>`)
	messagesLog   = regexp.MustCompile(`<\|messagesLog\|>`)
	fusionMode    = regexp.MustCompile(`<\|Fusion Mode\|>`)
	stopSetRe     = regexp.MustCompile(`<\|stopSet *(\[.*?\]) *\|>`)
	stopRevokeRe  = regexp.MustCompile(`<\|stopRevoke *(\[.*?\]) *\|>`)
	anyDirective  = regexp.MustCompile(`<\|[^|<>\n]{1,64}?\|>`)
	defaultStops  = []string{"\n\nHuman:", "\n\nAssistant:"}
	blankRunRegex = regexp.MustCompile(`\n{3,}`)
)

// Directives are the inline <|...|> markers found in assembled prompt text.
type Directives struct {
	Legacy      bool
	MessagesAPI bool
	MessagesLog bool
	Fusion      bool
	StopSet     []string
	StopRevoke  []string
}

func ParseDirectives(text, model string) Directives {
	d := Directives{
		Legacy:      legacyModel.MatchString(model),
		MessagesLog: messagesLog.MatchString(text),
	}
	d.MessagesAPI = !(d.Legacy || completeAPI.MatchString(text)) || messagesAPI.MatchString(text)
	d.Fusion = d.MessagesAPI && fusionMode.MatchString(text)
	d.StopSet = secondList(stopSetRe, text)
	d.StopRevoke = secondList(stopRevokeRe, text)
	return d
}

// secondList decodes the JSON array of the second marker occurrence. The
// first occurrence is ignored; a single occurrence yields nothing.
func secondList(re *regexp.Regexp, text string) []string {
	matches := re.FindAllStringSubmatch(text, 2)
	if len(matches) < 2 {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(matches[1][1]), &out); err != nil {
		return nil
	}
	return out
}

// StopSequences merges marker stops, client stops and the turn delimiters,
// dropping blanks and anything revoked (case-insensitive).
func (d Directives) StopSequences(client []string) []string {
	all := make([]string, 0, len(d.StopSet)+len(client)+len(defaultStops))
	all = append(all, d.StopSet...)
	all = append(all, client...)
	all = append(all, defaultStops...)
	out := all[:0]
	for _, s := range all {
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			continue
		}
		if slices.ContainsFunc(d.StopRevoke, func(r string) bool { return strings.EqualFold(r, trimmed) }) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// StripMarkers removes every <|...|> marker and collapses the blank runs
// they leave behind.
func StripMarkers(text string) string {
	text = stopSetRe.ReplaceAllString(text, "")
	text = stopRevokeRe.ReplaceAllString(text, "")
	text = anyDirective.ReplaceAllString(text, "")
	return strings.TrimSpace(blankRunRegex.ReplaceAllString(text, "\n\n"))
}
