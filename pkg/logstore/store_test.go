package logstore

import (
	"testing"
	"time"
)

func TestStoreRetainsMaxLines(t *testing.T) {
	s := NewStore(3)
	s.Add("info", "one", time.Unix(1, 0))
	s.Add("warn", "two", time.Unix(2, 0))
	s.Add("error", "three", time.Unix(3, 0))
	s.Add("debug", "four", time.Unix(4, 0))

	entries := s.List(ListFilter{Level: "all", Limit: 10})
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "four" || entries[1].Message != "three" || entries[2].Message != "two" {
		t.Fatalf("unexpected order/messages: %+v", entries)
	}
}

func TestSinkParsesLevelsAndFilters(t *testing.T) {
	s := NewStore(100)
	w := s.Writer()
	_, _ = w.Write([]byte("2026/01/01 00:00:00 DEBU hello\n"))
	_, _ = w.Write([]byte("2026/01/01 00:00:01 WARN cookie "))
	_, _ = w.Write([]byte("retired\n"))

	warn := s.List(ListFilter{Level: "warn"})
	if len(warn) != 1 || warn[0].Message != "cookie retired" || warn[0].Level != "warn" {
		t.Fatalf("unexpected warn entries %+v", warn)
	}
	if got := s.List(ListFilter{Level: "all", Query: "HELLO"}); len(got) != 1 || got[0].Level != "debug" {
		t.Fatalf("unexpected query result %+v", got)
	}
}

func TestSubscribeReceivesNewEntries(t *testing.T) {
	s := NewStore(10)
	s.Add("info", "before", time.Time{})
	ch, cancel := s.Subscribe()
	s.Add("info", "after", time.Time{})
	select {
	case e := <-ch:
		if e.Message != "after" {
			t.Fatalf("unexpected entry %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}
	s.Add("info", "ignored", time.Time{})
}

func TestClearRemovesEntries(t *testing.T) {
	s := NewStore(100)
	s.Add("info", "hello", time.Now())
	s.Clear()
	if got := len(s.List(ListFilter{})); got != 0 {
		t.Fatalf("expected 0 entries after clear, got %d", got)
	}
}
