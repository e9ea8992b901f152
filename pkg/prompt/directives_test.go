package prompt

import (
	"slices"
	"testing"
)

func TestParseDirectivesAPIShape(t *testing.T) {
	cases := []struct {
		name, text, model string
		messages, fusion  bool
		legacy            bool
	}{
		{name: "default", text: "hello", model: "claude-3-opus-20240229", messages: true},
		{name: "legacy model", text: "hello", model: "claude-2.1", legacy: true},
		{name: "instant model", text: "hello", model: "claude-instant-1.2", legacy: true},
		{name: "complete marker", text: "<|completeAPI|> hello", model: "claude-3-opus-20240229"},
		{name: "messages wins over legacy", text: "<|messagesAPI|>", model: "claude-2.0", legacy: true, messages: true},
		{name: "fusion", text: "<|Fusion Mode|>", model: "claude-3-opus-20240229", messages: true, fusion: true},
		{name: "fusion needs messages", text: "<|Fusion Mode|><|completeAPI|>", model: "claude-3-opus-20240229"},
		{name: "complete marker ignores case", text: "<|COMPLETEapi|> hello", model: "claude-3-opus-20240229"},
		{name: "messages marker is case sensitive", text: "<|MESSAGESAPI|>", model: "claude-2.0", legacy: true},
		{name: "fusion marker is case sensitive", text: "<|fusion mode|>", model: "claude-3-opus-20240229", messages: true},
	}
	for _, tc := range cases {
		d := ParseDirectives(tc.text, tc.model)
		if d.Legacy != tc.legacy || d.MessagesAPI != tc.messages || d.Fusion != tc.fusion {
			t.Fatalf("%s: got %+v", tc.name, d)
		}
	}
	if !ParseDirectives("<|messagesLog|>", "").MessagesLog {
		t.Fatal("expected messagesLog marker")
	}
	if ParseDirectives("<|MessagesLog|>", "").MessagesLog {
		t.Fatal("messagesLog marker must match exactly")
	}
}

func TestStopSetSecondOccurrenceWins(t *testing.T) {
	text := `intro <|stopSet ["Foo"]|> middle <|stopSet ["Bar", "Baz"]|> end`
	d := ParseDirectives(text, "claude-3-opus-20240229")
	if !slices.Equal(d.StopSet, []string{"Bar", "Baz"}) {
		t.Fatalf("expected second list, got %v", d.StopSet)
	}
	twice := `<|stopSet ["Foo"]|><|stopSet ["Foo"]|>`
	got := ParseDirectives(twice, "").StopSequences(nil)
	want := []string{"Foo", "\n\nHuman:", "\n\nAssistant:"}
	if !slices.Equal(got, want) {
		t.Fatalf("unexpected stops %q", got)
	}
	single := ParseDirectives(`<|stopSet ["Only"]|>`, "")
	if len(single.StopSet) != 0 {
		t.Fatalf("a single occurrence must be ignored, got %v", single.StopSet)
	}
}

func TestStopSequencesRevokeAndBlank(t *testing.T) {
	text := `<|stopRevoke ["x"]|><|stopRevoke ["human:", "END"]|>`
	d := ParseDirectives(text, "")
	got := d.StopSequences([]string{"  ", "end", "keep"})
	want := []string{"keep", "\n\nAssistant:"}
	if !slices.Equal(got, want) {
		t.Fatalf("unexpected stops %q", got)
	}
}

func TestStripMarkers(t *testing.T) {
	in := "<|messagesAPI|>\n\n\n\nhello <|stopSet [\"a\"]|>world\n<|Fusion Mode|>"
	if got := StripMarkers(in); got != "hello world" {
		t.Fatalf("unexpected stripped text %q", got)
	}
}
