package maildir

import (
	"path/filepath"
	"testing"
)

func newTestMaildir(t *testing.T) *Maildir {
	t.Helper()
	m, err := New(filepath.Join(t.TempDir(), "Inbox"), true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestAddAndGetFlags(t *testing.T) {
	m := newTestMaildir(t)

	key, err := m.Add([]byte("Subject: hi\r\n\r\nbody"), "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	flags, ok := m.GetFlags(key)
	if !ok {
		t.Fatalf("GetFlags: key not found")
	}
	if flags != "" {
		t.Fatalf("GetFlags: got %q, want empty", flags)
	}
	if !m.Contains(key) {
		t.Fatalf("Contains: expected true")
	}
}

func TestAddSeenGoesToCur(t *testing.T) {
	m := newTestMaildir(t)

	key, err := m.Add([]byte("body"), "S")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	msg, err := m.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Flags != "S" {
		t.Fatalf("Flags = %q, want S", msg.Flags)
	}
	if string(msg.Body) != "body" {
		t.Fatalf("Body = %q", msg.Body)
	}
	if dir := filepath.Dir(m.toc[key].path); dir != m.pathCur() {
		t.Fatalf("message stored in %s, want %s", dir, m.pathCur())
	}
}

func TestDiscardIsIdempotent(t *testing.T) {
	m := newTestMaildir(t)

	key, err := m.Add([]byte("body"), "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := m.Discard(key); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if m.Contains(key) {
		t.Fatalf("Contains: expected false after discard")
	}

	// Discarding again, and discarding an unknown key, must not error.
	if err := m.Discard(key); err != nil {
		t.Fatalf("second Discard: %v", err)
	}
	if err := m.Discard("does-not-exist"); err != nil {
		t.Fatalf("Discard unknown key: %v", err)
	}
}

func TestSetFlagsRoundTrip(t *testing.T) {
	m := newTestMaildir(t)

	key, err := m.Add([]byte("body"), "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := m.SetFlags(key, "RS"); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}

	flags, ok := m.GetFlags(key)
	if !ok {
		t.Fatalf("GetFlags: key not found")
	}
	if !sameFlagSet(flags, "RS") {
		t.Fatalf("GetFlags = %q, want flag set {R,S}", flags)
	}
}

func TestAddFlagsUnion(t *testing.T) {
	m := newTestMaildir(t)

	key, err := m.Add([]byte("body"), "R")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := m.AddFlags(key, "S"); err != nil {
		t.Fatalf("AddFlags: %v", err)
	}

	flags, _ := m.GetFlags(key)
	if !sameFlagSet(flags, "RS") {
		t.Fatalf("GetFlags = %q, want flag set {R,S}", flags)
	}

	// Adding a flag that's already present must not error or duplicate.
	if err := m.AddFlags(key, "S"); err != nil {
		t.Fatalf("AddFlags repeat: %v", err)
	}
	flags, _ = m.GetFlags(key)
	if !sameFlagSet(flags, "RS") {
		t.Fatalf("GetFlags after repeat = %q", flags)
	}
}

func TestIterFlags(t *testing.T) {
	m := newTestMaildir(t)

	k1, _ := m.Add([]byte("a"), "")
	k2, _ := m.Add([]byte("b"), "S")

	entries, err := m.IterFlags()
	if err != nil {
		t.Fatalf("IterFlags: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("IterFlags returned %d entries, want 2", len(entries))
	}

	seen := map[string]string{}
	for _, e := range entries {
		seen[e.Msgkey] = e.Flags
	}
	if seen[k1] != "" {
		t.Fatalf("flags for k1 = %q, want empty", seen[k1])
	}
	if seen[k2] != "S" {
		t.Fatalf("flags for k2 = %q, want S", seen[k2])
	}
}

func TestKeysAreUniquePerMessage(t *testing.T) {
	m := newTestMaildir(t)

	keys := map[string]bool{}
	for i := 0; i < 5; i++ {
		key, err := m.Add([]byte("x"), "")
		if err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
		if keys[key] {
			t.Fatalf("duplicate msgkey %q", key)
		}
		keys[key] = true
	}
}
