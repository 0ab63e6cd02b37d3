package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/refbot/moderator-backend/internal/accounting"
	"github.com/refbot/moderator-backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks; the accountant is the real one so releases go through the
// real pool semantics.
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
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *mockJobs) MarkHoldReleased(_ context.Context, _ pgx.Tx, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].HoldReleased = true
	return nil
}

func (m *mockJobs) released(jobID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID].HoldReleased
}

type mockUsers struct {
	mu       sync.Mutex
	balances map[int64]models.Balances
}

func (m *mockUsers) BalancesForUpdate(_ context.Context, _ pgx.Tx, userID int64) (models.Balances, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *mockUsers) WriteBalances(_ context.Context, _ pgx.Tx, userID int64, b models.Balances) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = b
	return nil
}

func (m *mockUsers) get(userID int64) models.Balances {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

type mockAudits struct {
	mu      sync.Mutex
	entries map[string]*models.BalanceAudit
}

func (m *mockAudits) ByKey(_ context.Context, _ pgx.Tx, key string) (*models.BalanceAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *mockAudits) Insert(_ context.Context, _ pgx.Tx, a *models.BalanceAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]*models.BalanceAudit)
	}
	if _, ok := m.entries[a.IdempotencyKey]; ok {
		return fmt.Errorf("duplicate idempotency key %q", a.IdempotencyKey)
	}
	cp := *a
	m.entries[a.IdempotencyKey] = &cp
	return nil
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

const userID = int64(500)

func newService(balances models.Balances, jobs ...*models.GenerationJob) (*Service, *mockUsers, *mockJobs) {
	db := &mockDB{}
	users := &mockUsers{balances: map[int64]models.Balances{userID: balances}}
	acct := accounting.NewAccountant(db, users, &mockAudits{}, nil)
	jobStore := newMockJobs(jobs...)
	return NewService(db, jobStore, acct, nil), users, jobStore
}

func job(id int64, status string, hold int64) *models.GenerationJob {
	return &models.GenerationJob{ID: id, UserID: userID, Status: status, ReservationAmount: hold}
}

func TestReconcileReleasesOnlyTerminalHolds(t *testing.T) {
	svc, users, jobs := newService(models.Balances{Available: 100, Reserved: 80},
		job(1, models.JobStatusDone, 50),
		job(2, models.JobStatusRunning, 30),
	)

	res, err := svc.Reconcile(context.Background(), userID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if res.Released != 50 {
		t.Errorf("released: got %d, want 50", res.Released)
	}
	if len(res.Blocking) != 1 || res.Blocking[0] != 2 {
		t.Errorf("blocking: got %v, want [2]", res.Blocking)
	}
	if !jobs.released(1) || jobs.released(2) {
		t.Errorf("hold flags: job1=%v job2=%v, want true/false", jobs.released(1), jobs.released(2))
	}
	// Releasing clears the earmark only; available is untouched.
	if got := users.get(userID); got.Available != 100 || got.Reserved != 30 {
		t.Errorf("balances: got %+v, want {100 30}", got)
	}
}

func TestReconcileAllTerminal(t *testing.T) {
	svc, users, _ := newService(models.Balances{Available: 100, Reserved: 50},
		job(1, models.JobStatusFailed, 20),
		job(2, models.JobStatusCancelled, 30),
	)

	res, err := svc.Reconcile(context.Background(), userID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Released != 50 || len(res.Blocking) != 0 {
		t.Errorf("result: got %+v, want released 50 and no blocking", res)
	}
	if got := users.get(userID); got.Available != 100 || got.Reserved != 0 {
		t.Errorf("balances: got %+v, want {100 0}", got)
	}
}

func TestReconcileIdempotentPerJob(t *testing.T) {
	svc, users, _ := newService(models.Balances{Available: 100, Reserved: 50},
		job(1, models.JobStatusDone, 50),
	)
	ctx := context.Background()

	if _, err := svc.Reconcile(ctx, userID); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	res, err := svc.Reconcile(ctx, userID)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}

	// The hold was marked released in the first pass, so the second pass has
	// nothing to do and must not release twice.
	if res.Released != 0 {
		t.Errorf("second pass released: got %d, want 0", res.Released)
	}
	if got := users.get(userID); got.Reserved != 0 {
		t.Errorf("reserved: got %d, want 0", got.Reserved)
	}
}

func TestReconcileNoJobs(t *testing.T) {
	svc, users, _ := newService(models.Balances{Available: 100, Reserved: 50})

	res, err := svc.Reconcile(context.Background(), userID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Released != 0 || len(res.Blocking) != 0 {
		t.Errorf("result: got %+v, want empty", res)
	}
	// Reserve with no tracked jobs stays put; releasing it is a moderator
	// decision, not the reconciler's.
	if got := users.get(userID); got.Reserved != 50 {
		t.Errorf("reserved: got %d, want 50", got.Reserved)
	}
}
