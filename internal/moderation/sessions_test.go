package moderation

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestClaimExclusive(t *testing.T) {
	s := NewSessions(15 * time.Minute)

	if _, err := s.Claim(1, 100); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := s.Claim(2, 100); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("second claim: got %v, want ErrAlreadyClaimed", err)
	}
	if !s.Held(100) {
		t.Error("complaint 100 should be held")
	}
}

func TestClaimConcurrentSingleWinner(t *testing.T) {
	const contenders = 16
	s := NewSessions(15 * time.Minute)

	var wg sync.WaitGroup
	errs := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		moderator := int64(i + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Claim(moderator, 100)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	winners, losers := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrAlreadyClaimed):
			losers++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 || losers != contenders-1 {
		t.Errorf("got %d winners and %d losers, want 1 and %d", winners, losers, contenders-1)
	}
}

func TestClaimRefreshAndSwitch(t *testing.T) {
	s := NewSessions(15 * time.Minute)

	first, err := s.Claim(1, 100)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Re-claiming one's own complaint refreshes, not errors.
	again, err := s.Claim(1, 100)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if again != first {
		t.Error("re-claim should return the existing session")
	}

	// Claiming a different complaint drops the previous session.
	if _, err := s.Claim(1, 200); err != nil {
		t.Fatalf("switch claim: %v", err)
	}
	if s.Held(100) {
		t.Error("complaint 100 should be free after the moderator moved on")
	}
	if sess := s.Lookup(1); sess == nil || sess.ComplaintID != 200 {
		t.Errorf("lookup: got %+v, want session on complaint 200", sess)
	}
}

func TestClaimExpiry(t *testing.T) {
	s := NewSessions(15 * time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	if _, err := s.Claim(1, 100); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Another moderator may take over once the holder's deadline passed.
	now = now.Add(16 * time.Minute)
	sess, err := s.Claim(2, 100)
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if sess.Moderator != 2 {
		t.Errorf("session moderator: got %d, want 2", sess.Moderator)
	}
	// The expired holder's handle must not evict the new session.
	if sess := s.Lookup(1); sess != nil {
		t.Errorf("expired holder lookup: got %+v, want nil", sess)
	}
	if !s.Held(100) {
		t.Error("complaint 100 should be held by the new session")
	}
}

func TestReap(t *testing.T) {
	s := NewSessions(15 * time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Claim(1, 100)
	s.Claim(2, 200)
	now = now.Add(10 * time.Minute)
	s.Claim(3, 300)

	now = now.Add(6 * time.Minute) // 100 and 200 expired, 300 still live
	if n := s.Reap(); n != 2 {
		t.Errorf("reaped: got %d, want 2", n)
	}
	if s.Held(100) || s.Held(200) {
		t.Error("expired sessions should be gone")
	}
	if !s.Held(300) {
		t.Error("live session should survive the reap")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	s := NewSessions(15 * time.Minute)
	sess, _ := s.Claim(1, 100)

	s.Release(sess)
	s.Release(sess)
	s.Release(nil)

	if s.Held(100) {
		t.Error("complaint 100 should be free after release")
	}
	if got := s.Lookup(1); got != nil {
		t.Errorf("lookup after release: got %+v, want nil", got)
	}
}
