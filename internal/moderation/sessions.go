package moderation

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyClaimed is returned when another moderator's session is live for
// the complaint. It is expected contention: the caller retries after the first
// session ends, requests are never queued.
var ErrAlreadyClaimed = errors.New("complaint already claimed by another moderator")

// Session is one moderator's in-progress decision on one complaint. Sessions
// live in process memory only; a restart drops them and the moderator simply
// re-claims.
type Session struct {
	Moderator   int64
	ComplaintID int64
	ClaimedAt   time.Time
	Deadline    time.Time
}

func (s *Session) expired(now time.Time) bool {
	return now.After(s.Deadline)
}

// Sessions guarantees at most one live session per complaint process-wide.
// It is an in-memory mutual-exclusion map rather than a database lock because
// the contention window (a moderator reading, then deciding) is far longer
// than any transaction should be held open.
type Sessions struct {
	mu          sync.Mutex
	byComplaint map[int64]*Session
	byModerator map[int64]*Session
	ttl         time.Duration
	now         func() time.Time
}

func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{
		byComplaint: make(map[int64]*Session),
		byModerator: make(map[int64]*Session),
		ttl:         ttl,
		now:         time.Now,
	}
}

// Claim reserves the complaint for the moderator. A second claim for the same
// complaint fails with ErrAlreadyClaimed unless the holder's session has
// expired. Re-claiming one's own complaint refreshes the deadline. Claiming a
// new complaint drops the moderator's previous session, if any.
func (s *Sessions) Claim(moderator, complaintID int64) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if held, ok := s.byComplaint[complaintID]; ok && !held.expired(now) {
		if held.Moderator != moderator {
			return nil, ErrAlreadyClaimed
		}
		held.Deadline = now.Add(s.ttl)
		return held, nil
	}

	if prev, ok := s.byModerator[moderator]; ok {
		s.drop(prev)
	}

	sess := &Session{
		Moderator:   moderator,
		ComplaintID: complaintID,
		ClaimedAt:   now,
		Deadline:    now.Add(s.ttl),
	}
	s.byComplaint[complaintID] = sess
	s.byModerator[moderator] = sess
	return sess, nil
}

// Release ends the session. Safe to call on every exit path, including after
// the session was already dropped.
func (s *Sessions) Release(sess *Session) {
	if sess == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop(sess)
}

// Lookup returns the moderator's live session, or nil.
func (s *Sessions) Lookup(moderator int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byModerator[moderator]
	if !ok {
		return nil
	}
	if sess.expired(s.now()) {
		s.drop(sess)
		return nil
	}
	return sess
}

// Held reports whether a live session exists for the complaint.
func (s *Sessions) Held(complaintID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byComplaint[complaintID]
	return ok && !sess.expired(s.now())
}

// Reap evicts expired sessions and returns how many were dropped.
func (s *Sessions) Reap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, sess := range s.byComplaint {
		if sess.expired(now) {
			s.drop(sess)
			n++
		}
	}
	return n
}

// drop removes the session from both indexes. Caller holds the lock. The
// identity checks keep a stale handle from evicting a newer session.
func (s *Sessions) drop(sess *Session) {
	if cur, ok := s.byComplaint[sess.ComplaintID]; ok && cur == sess {
		delete(s.byComplaint, sess.ComplaintID)
	}
	if cur, ok := s.byModerator[sess.Moderator]; ok && cur == sess {
		delete(s.byModerator, sess.Moderator)
	}
}
