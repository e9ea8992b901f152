package cookie

import (
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
)

func validToken(fill string) string {
	return "sk-ant-sid01-" + strings.Repeat(fill, 86) + "-abcdef" + "AA"
}

func TestParseNormalizes(t *testing.T) {
	tok := validToken("x")
	cases := []string{
		tok,
		"sessionKey=" + tok,
		"someone@sessionKey=" + tok,
		"  " + tok + " ;\n",
		"user@" + tok + "\"",
	}
	for _, raw := range cases {
		c := Parse(raw)
		if c.Inner() != tok {
			t.Fatalf("Parse(%q) inner = %q", raw, c.Inner())
		}
		if !c.Validate() {
			t.Fatalf("Parse(%q) should validate", raw)
		}
	}
}

func TestParseRoundTripsDisplayForm(t *testing.T) {
	c := Parse(validToken("Q"))
	if got := Parse(c.String()); got != c {
		t.Fatalf("round trip mismatch: %q vs %q", got.Inner(), c.Inner())
	}
	if !strings.HasPrefix(c.String(), "sessionKey=") {
		t.Fatalf("display form missing prefix: %q", c.String())
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"sk-ant-REDACTED",
		strings.TrimSuffix(validToken("x"), "AA") + "AB",
		"sk-ant-sid02-" + strings.Repeat("x", 86) + "-abcdefAA",
	}
	for _, raw := range bad {
		if Parse(raw).Validate() {
			t.Fatalf("expected %q to be invalid", raw)
		}
	}
}

func TestInfoNormalizeClearsPastReset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	past := Info{Cookie: Parse(validToken("a")), ResetTime: now.Unix() - 10}
	past.Normalize(now)
	if past.ResetTime != 0 {
		t.Fatalf("expected past reset time cleared, got %d", past.ResetTime)
	}
	future := Info{Cookie: Parse(validToken("a")), ResetTime: now.Unix() + 10}
	future.Normalize(now)
	if future.ResetTime != now.Unix()+10 {
		t.Fatalf("expected future reset time kept, got %d", future.ResetTime)
	}
	if future.Usable(now) {
		t.Fatal("cookie with future reset must not be usable")
	}
}

func TestPlaceholderNeverUsable(t *testing.T) {
	info := Info{Cookie: Parse(Placeholder)}
	if !info.Cookie.IsPlaceholder() {
		t.Fatal("expected placeholder detection")
	}
	if info.Usable(time.Now()) {
		t.Fatal("placeholder must not be usable")
	}
}

func TestWastedIdentityIgnoresReason(t *testing.T) {
	c := Parse(validToken("b"))
	a := Wasted{Cookie: c, Reason: Of(ReasonBanned)}
	b := Wasted{Cookie: c, Reason: Exhausted(42)}
	if !a.SameCookie(b) {
		t.Fatal("expected same cookie regardless of reason")
	}
}

func TestReasonDisplay(t *testing.T) {
	if got := Exhausted(1700000000).String(); got != "Temporarily Exhausted: 1700000000" {
		t.Fatalf("unexpected exhausted display %q", got)
	}
	if got := Of(ReasonBanned).String(); got != "Banned" {
		t.Fatalf("unexpected banned display %q", got)
	}
}

func TestWastedPersistsThroughTOML(t *testing.T) {
	type doc struct {
		Wasted []Wasted `toml:"wasted_cookie"`
	}
	in := doc{Wasted: []Wasted{
		{Cookie: Parse(validToken("c")), Reason: Exhausted(1700000123)},
		{Cookie: Parse(validToken("d")), Reason: Of(ReasonInvalid)},
	}}
	b, err := toml.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), "exhausted:1700000123") {
		t.Fatalf("expected exhausted reason in output, got:\n%s", b)
	}
	var out doc
	if err := toml.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Wasted) != 2 || out.Wasted[0] != in.Wasted[0] || out.Wasted[1] != in.Wasted[1] {
		t.Fatalf("unexpected round trip: %+v", out.Wasted)
	}
}
