package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/refbot/moderator-backend/internal/accounting"
	"github.com/refbot/moderator-backend/internal/models"
	"github.com/refbot/moderator-backend/internal/reconcile"
)

// ---------------------------------------------------------------------------
// In-memory mocks. The accountant and reconciler are the real services over
// mock stores, so decisions are tested against the real balance semantics.
// ---------------------------------------------------------------------------

type mockDB struct {
	mu sync.Mutex
}

func (db *mockDB) Begin(context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	return &mockTx{db: db}, nil
}

type mockTx struct {
	db   *mockDB
	done bool
}

func (t *mockTx) Commit(context.Context) error {
	if !t.done {
		t.done = true
		t.db.mu.Unlock()
	}
	return nil
}

func (t *mockTx) Rollback(context.Context) error {
	if !t.done {
		t.done = true
		t.db.mu.Unlock()
	}
	return nil
}

func (t *mockTx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("not implemented") }
func (t *mockTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *mockTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *mockTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *mockTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *mockTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not implemented")
}
func (t *mockTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *mockTx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (t *mockTx) Conn() *pgx.Conn                                  { return nil }

// ---

type mockComplaints struct {
	mu         sync.Mutex
	complaints map[int64]*models.Complaint
}

func newMockComplaints(cs ...*models.Complaint) *mockComplaints {
	m := &mockComplaints{complaints: make(map[int64]*models.Complaint)}
	for _, c := range cs {
		cp := *c
		m.complaints[c.ID] = &cp
	}
	return m
}

func (m *mockComplaints) GetForUpdate(_ context.Context, _ pgx.Tx, id int64) (*models.Complaint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.complaints[id]
	if !ok {
		return nil, fmt.Errorf("complaint %d not found", id)
	}
	cp := *c
	return &cp, nil
}

func (m *mockComplaints) SetUnderReview(_ context.Context, _ pgx.Tx, id, moderator int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.complaints[id]
	c.Status = models.ComplaintStatusUnderReview
	c.AssignedModerator = &moderator
	return nil
}

func (m *mockComplaints) SetResolution(_ context.Context, _ pgx.Tx, id int64, status string, moderator int64, amount *int64, note *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.complaints[id]
	if c.Status != models.ComplaintStatusUnderReview {
		return fmt.Errorf("complaint %d not under review", id)
	}
	now := time.Now()
	c.Status = status
	c.AssignedModerator = &moderator
	c.ResolutionAmount = amount
	c.ResolutionNote = note
	c.ResolvedAt = &now
	return nil
}

func (m *mockComplaints) SetClosed(_ context.Context, _ pgx.Tx, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.complaints[id].Status = models.ComplaintStatusClosed
	return nil
}

func (m *mockComplaints) status(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complaints[id].Status
}

// ---

// mockBalances backs both the accountant's user store and the decision
// service's balance reads.
type mockBalances struct {
	mu       sync.Mutex
	balances map[int64]models.Balances
}

func newMockBalances(userID int64, b models.Balances) *mockBalances {
	return &mockBalances{balances: map[int64]models.Balances{userID: b}}
}

func (m *mockBalances) BalancesForUpdate(_ context.Context, _ pgx.Tx, userID int64) (models.Balances, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[userID]
	if !ok {
		return models.Balances{}, fmt.Errorf("user %d not found", userID)
	}
	return b, nil
}

func (m *mockBalances) WriteBalances(_ context.Context, _ pgx.Tx, userID int64, b models.Balances) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = b
	return nil
}

func (m *mockBalances) get(userID int64) models.Balances {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

type mockAudits struct {
	mu      sync.Mutex
	entries []*models.BalanceAudit
}

func (m *mockAudits) ByKey(_ context.Context, _ pgx.Tx, key string) (*models.BalanceAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.IdempotencyKey == key {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockAudits) Insert(_ context.Context, _ pgx.Tx, a *models.BalanceAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockAudits) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ---

type mockJobs struct {
	mu   sync.Mutex
	jobs map[int64]*models.GenerationJob
}

func newMockJobs(jobs ...*models.GenerationJob) *mockJobs {
	m := &mockJobs{jobs: make(map[int64]*models.GenerationJob)}
	for _, j := range jobs {
		cp := *j
		m.jobs[j.ID] = &cp
	}
	return m
}

func (m *mockJobs) ListByUserForUpdate(_ context.Context, _ pgx.Tx, userID int64) ([]*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.GenerationJob
	for _, j := range m.jobs {
		if j.UserID == userID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockJobs) MarkHoldReleased(_ context.Context, _ pgx.Tx, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].HoldReleased = true
	return nil
}

// ---

type mockAuthz struct {
	moderators map[int64]bool
}

func (m *mockAuthz) IsModerator(_ context.Context, userID int64) (bool, error) {
	return m.moderators[userID], nil
}

// ---------------------------------------------------------------------------
// Test fixture
// ---------------------------------------------------------------------------

type fixture struct {
	svc        *Service
	complaints *mockComplaints
	balances   *mockBalances
	audits     *mockAudits
	jobs       *mockJobs
	sessions   *Sessions
}

func newFixture(t *testing.T, releaseOnReject bool, userBalances models.Balances, complaints []*models.Complaint, jobs []*models.GenerationJob) *fixture {
	t.Helper()
	db := &mockDB{}
	bal := newMockBalances(userID, userBalances)
	audits := &mockAudits{}
	acct := accounting.NewAccountant(db, bal, audits, nil)
	jobStore := newMockJobs(jobs...)
	rec := reconcile.NewService(db, jobStore, acct, nil)
	comps := newMockComplaints(complaints...)
	sessions := NewSessions(15 * time.Minute)
	svc := NewService(db, comps, bal, acct, rec, sessions,
		&mockAuthz{moderators: map[int64]bool{moderatorID: true, otherModeratorID: true}}, nil, releaseOnReject)
	return &fixture{svc: svc, complaints: comps, balances: bal, audits: audits, jobs: jobStore, sessions: sessions}
}

const (
	userID           = int64(500)
	moderatorID      = int64(1)
	otherModeratorID = int64(2)
)

func complaint(id int64, status string, generationID *int64) *models.Complaint {
	return &models.Complaint{ID: id, UserID: userID, Status: status, GenerationID: generationID}
}

func job(id int64, status string, hold int64) *models.GenerationJob {
	return &models.GenerationJob{ID: id, UserID: userID, Status: status, ReservationAmount: hold}
}

// ---------------------------------------------------------------------------
// 1. Claim
// ---------------------------------------------------------------------------

func TestClaimMovesToUnderReview(t *testing.T) {
	f := newFixture(t, false, models.Balances{Available: 100}, []*models.Complaint{complaint(10, models.ComplaintStatusNew, nil)}, nil)
	ctx := context.Background()

	c, err := f.svc.Claim(ctx, moderatorID, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if c.Status != models.ComplaintStatusUnderReview {
		t.Errorf("status: got %s, want under_review", c.Status)
	}
	if f.complaints.status(10) != models.ComplaintStatusUnderReview {
		t.Errorf("stored status: got %s, want under_review", f.complaints.status(10))
	}

	// Contention: the second moderator is turned away, not queued.
	if _, err := f.svc.Claim(ctx, otherModeratorID, 10); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("contending claim: got %v, want ErrAlreadyClaimed", err)
	}
}

func TestClaimFromResolvedFails(t *testing.T) {
	f := newFixture(t, false, models.Balances{}, []*models.Complaint{complaint(10, models.ComplaintStatusAccepted, nil)}, nil)

	_, err := f.svc.Claim(context.Background(), moderatorID, 10)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("claim from accepted: got %v, want ErrInvalidTransition", err)
	}
	// The failed claim must not leave the session held.
	if f.sessions.Held(10) {
		t.Error("session should be released after a failed claim")
	}
}

func TestClaimUnauthorized(t *testing.T) {
	f := newFixture(t, false, models.Balances{}, []*models.Complaint{complaint(10, models.ComplaintStatusNew, nil)}, nil)

	if _, err := f.svc.Claim(context.Background(), int64(99), 10); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("claim by non-moderator: got %v, want ErrNotAuthorized", err)
	}
}

// ---------------------------------------------------------------------------
// 2. Accept
// ---------------------------------------------------------------------------

func TestAcceptCreditsUser(t *testing.T) {
	f := newFixture(t, false, models.Balances{Available: 100}, []*models.Complaint{complaint(10, models.ComplaintStatusNew, nil)}, nil)
	ctx := context.Background()

	if _, err := f.svc.Claim(ctx, moderatorID, 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	dec, err := f.svc.Accept(ctx, moderatorID, 10, 20)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if dec.Balances.Available != 120 {
		t.Errorf("available: got %d, want 120", dec.Balances.Available)
	}
	if f.complaints.status(10) != models.ComplaintStatusAccepted {
		t.Errorf("status: got %s, want accepted", f.complaints.status(10))
	}
	// The decision ends the session.
	if f.sessions.Held(10) {
		t.Error("session should be released after the decision")
	}
}

func TestAcceptDuplicateDeliveryReplays(t *testing.T) {
	f := newFixture(t, false, models.Balances{Available: 100}, []*models.Complaint{complaint(10, models.ComplaintStatusNew, nil)}, nil)
	ctx := context.Background()

	if _, err := f.svc.Claim(ctx, moderatorID, 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := f.svc.Accept(ctx, moderatorID, 10, 20); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// Duplicate webhook delivery: same decision arrives again.
	dec, err := f.svc.Accept(ctx, moderatorID, 10, 20)
	if err != nil {
		t.Fatalf("duplicate Accept: %v", err)
	}
	if !dec.Replayed {
		t.Error("duplicate accept should be marked replayed")
	}
	if got := f.balances.get(userID); got.Available != 120 {
		t.Errorf("available after duplicate: got %d, want 120 (credited once)", got.Available)
	}
	if f.audits.count() != 1 {
		t.Errorf("audit rows: got %d, want 1", f.audits.count())
	}
}

func TestAcceptWithoutClaim(t *testing.T) {
	f := newFixture(t, false, models.Balances{Available: 100}, []*models.Complaint{complaint(10, models.ComplaintStatusNew, nil)}, nil)

	_, err := f.svc.Accept(context.Background(), moderatorID, 10, 20)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("accept without claim: got %v, want ErrInvalidTransition", err)
	}
	if got := f.balances.get(userID); got.Available != 100 {
		t.Errorf("available: got %d, want 100 (untouched)", got.Available)
	}
}

func TestAcceptNegativeAmount(t *testing.T) {
	f := newFixture(t, false, models.Balances{Available: 100}, []*models.Complaint{complaint(10, models.ComplaintStatusNew, nil)}, nil)
	ctx := context.Background()

	if _, err := f.svc.Claim(ctx, moderatorID, 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := f.svc.Accept(ctx, moderatorID, 10, -5); !errors.Is(err, accounting.ErrInvariantViolation) {
		t.Errorf("negative amount: got %v, want ErrInvariantViolation", err)
	}
}

// ---------------------------------------------------------------------------
// 3. Reject
// ---------------------------------------------------------------------------

func TestRejectReleasesTerminalHold(t *testing.T) {
	genID := int64(77)
	f := newFixture(t, false, models.Balances{Available: 100, Reserved: 50},
		[]*models.Complaint{complaint(10, models.ComplaintStatusNew, &genID)},
		[]*models.GenerationJob{job(genID, models.JobStatusDone, 50)})
	ctx := context.Background()

	if _, err := f.svc.Claim(ctx, moderatorID, 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	dec, err := f.svc.Reject(ctx, moderatorID, 10, "not reproducible")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if dec.Released != 50 {
		t.Errorf("released: got %d, want 50", dec.Released)
	}
	// Releasing a hold clears the earmark; it never credits available.
	if got := f.balances.get(userID); got.Available != 100 || got.Reserved != 0 {
		t.Errorf("balances: got %+v, want {100 0}", got)
	}
	if f.complaints.status(10) != models.ComplaintStatusRejected {
		t.Errorf("status: got %s, want rejected", f.complaints.status(10))
	}
}

func TestRejectBlockedByRunningJob(t *testing.T) {
	genID := int64(77)
	f := newFixture(t, false, models.Balances{Available: 100, Reserved: 50},
		[]*models.Complaint{complaint(10, models.ComplaintStatusNew, &genID)},
		[]*models.GenerationJob{job(genID, models.JobStatusRunning, 50)})
	ctx := context.Background()

	if _, err := f.svc.Claim(ctx, moderatorID, 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	dec, err := f.svc.Reject(ctx, moderatorID, 10, "")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if dec.Released != 0 {
		t.Errorf("released: got %d, want 0", dec.Released)
	}
	if len(dec.Blocking) != 1 || dec.Blocking[0] != genID {
		t.Errorf("blocking: got %v, want [%d]", dec.Blocking, genID)
	}
	// The running job's hold stays pinned.
	if got := f.balances.get(userID); got.Reserved != 50 {
		t.Errorf("reserved: got %d, want 50", got.Reserved)
	}
}

func TestRejectResidualPolicy(t *testing.T) {
	// Default policy: reserved funds without a linked generation stay put.
	f := newFixture(t, false, models.Balances{Available: 100, Reserved: 30},
		[]*models.Complaint{complaint(10, models.ComplaintStatusNew, nil)}, nil)
	ctx := context.Background()

	if _, err := f.svc.Claim(ctx, moderatorID, 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	dec, err := f.svc.Reject(ctx, moderatorID, 10, "")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if dec.Released != 0 {
		t.Errorf("released under default policy: got %d, want 0", dec.Released)
	}
	if got := f.balances.get(userID); got.Reserved != 30 {
		t.Errorf("reserved: got %d, want 30", got.Reserved)
	}

	// Opt-in policy: residual reserve is released once no job blocks it.
	f = newFixture(t, true, models.Balances{Available: 100, Reserved: 30},
		[]*models.Complaint{complaint(10, models.ComplaintStatusNew, nil)}, nil)
	if _, err := f.svc.Claim(ctx, moderatorID, 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	dec, err = f.svc.Reject(ctx, moderatorID, 10, "")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if dec.Released != 30 {
		t.Errorf("released under opt-in policy: got %d, want 30", dec.Released)
	}
	if got := f.balances.get(userID); got.Available != 100 || got.Reserved != 0 {
		t.Errorf("balances: got %+v, want {100 0}", got)
	}
}

func TestRejectDuplicateDeliveryReplays(t *testing.T) {
	f := newFixture(t, false, models.Balances{Available: 100}, []*models.Complaint{complaint(10, models.ComplaintStatusNew, nil)}, nil)
	ctx := context.Background()

	if _, err := f.svc.Claim(ctx, moderatorID, 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := f.svc.Reject(ctx, moderatorID, 10, "dup"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	dec, err := f.svc.Reject(ctx, moderatorID, 10, "dup")
	if err != nil {
		t.Fatalf("duplicate Reject: %v", err)
	}
	if !dec.Replayed {
		t.Error("duplicate reject should be marked replayed")
	}
}

// ---------------------------------------------------------------------------
// 4. Close and Cancel
// ---------------------------------------------------------------------------

func TestCloseTransitions(t *testing.T) {
	f := newFixture(t, false, models.Balances{Available: 100}, []*models.Complaint{
		complaint(10, models.ComplaintStatusAccepted, nil),
		complaint(11, models.ComplaintStatusNew, nil),
	}, nil)
	ctx := context.Background()

	if err := f.svc.Close(ctx, 10); err != nil {
		t.Fatalf("Close from accepted: %v", err)
	}
	if f.complaints.status(10) != models.ComplaintStatusClosed {
		t.Errorf("status: got %s, want closed", f.complaints.status(10))
	}

	// Closing a closed complaint is a no-op.
	if err := f.svc.Close(ctx, 10); err != nil {
		t.Errorf("Close idempotent: %v", err)
	}

	// new cannot skip straight to closed.
	if err := f.svc.Close(ctx, 11); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Close from new: got %v, want ErrInvalidTransition", err)
	}
}

func TestCancelDropsSession(t *testing.T) {
	f := newFixture(t, false, models.Balances{Available: 100}, []*models.Complaint{complaint(10, models.ComplaintStatusNew, nil)}, nil)
	ctx := context.Background()

	if _, err := f.svc.Claim(ctx, moderatorID, 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !f.svc.Cancel(ctx, moderatorID) {
		t.Error("Cancel should report a dropped session")
	}
	if f.svc.Cancel(ctx, moderatorID) {
		t.Error("second Cancel should find nothing")
	}
	// The complaint stays under_review durably; a claim takes it over again.
	if _, err := f.svc.Claim(ctx, otherModeratorID, 10); err != nil {
		t.Fatalf("re-claim after cancel: %v", err)
	}
}
