package bots

import "testing"

func TestTokenHashFormat(t *testing.T) {
	h := TokenHash("123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11")
	if len(h) != 12 {
		t.Fatalf("hash length: got %d, want 12", len(h))
	}
	for _, r := range h {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			t.Fatalf("hash %q contains non-hex character %q", h, r)
		}
	}
}

func TestTokenHashStable(t *testing.T) {
	// Stored complaints reference bots by this hash; it must never change
	// across releases.
	if got := TokenHash("token-a"); got != TokenHash("token-a") {
		t.Errorf("hash not deterministic: %q", got)
	}
	if TokenHash("token-a") == TokenHash("token-b") {
		t.Error("distinct tokens should not collide")
	}
}
