package session

import (
	"testing"
	"time"
)

func TestIssueAndCheck(t *testing.T) {
	m := NewManager(0)

	token := m.Issue()
	if token == "" {
		t.Fatal("Issue() returned an empty token")
	}
	if !m.Check(token) {
		t.Error("freshly issued token should be valid")
	}
	if m.Check("not-a-token") {
		t.Error("unknown token should be invalid")
	}
}

func TestExpiry(t *testing.T) {
	m := NewManager(8 * time.Hour)

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	token := m.Issue()

	now = now.Add(8*time.Hour - time.Minute)
	if !m.Check(token) {
		t.Error("token should still be valid just before the window closes")
	}

	now = now.Add(2 * time.Minute)
	if m.Check(token) {
		t.Error("token should expire after the session window")
	}

	// Expired tokens are dropped, not resurrected
	now = now.Add(-time.Hour)
	if m.Check(token) {
		t.Error("expired token must not become valid again")
	}
}

func TestClear(t *testing.T) {
	m := NewManager(0)

	token := m.Issue()
	m.Clear(token)
	if m.Check(token) {
		t.Error("cleared token should be invalid")
	}

	// Clearing an unknown token is a no-op
	m.Clear("never-issued")
}

func TestTokensAreUnique(t *testing.T) {
	m := NewManager(0)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token := m.Issue()
		if seen[token] {
			t.Fatalf("duplicate token issued: %s", token)
		}
		seen[token] = true
	}
}
