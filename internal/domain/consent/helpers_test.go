package consent

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/medchain/medchain/internal/platform/auth"
	"github.com/medchain/medchain/internal/platform/db"
)

var unsafeDSNChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// openTestSQLite returns a private in-memory database with the production
// schema and the connection it runs on.
func openTestSQLite(t *testing.T) (*Store, *sql.DB) {
	t.Helper()

	name := fmt.Sprintf("consent_%s_%s",
		unsafeDSNChars.ReplaceAllString(t.Name(), "_"), uuid.NewString()[:8])
	conn, err := db.OpenSQLite(context.Background(), db.SQLiteConfig{Path: name, Memory: true})
	require.NoError(t, err)

	st := NewSQLiteStore(conn)
	t.Cleanup(st.Close)
	return st, conn
}

// forEachStore runs fn once per storage backend.
func forEachStore(t *testing.T, fn func(t *testing.T, st *Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		st, _ := openTestSQLite(t)
		fn(t, st)
	})
}

// fakeClock advances by one millisecond on every call.
type fakeClock struct {
	base time.Time
	n    atomic.Int64
}

func newFakeClock() *fakeClock {
	return &fakeClock{base: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.base.Add(time.Duration(c.n.Add(1)) * time.Millisecond)
}

// sequentialIDs yields the given ids in order, then generated ones.
func sequentialIDs(ids ...string) func() string {
	var i atomic.Int64
	return func() string {
		n := int(i.Add(1)) - 1
		if n < len(ids) {
			return ids[n]
		}
		return fmt.Sprintf("req_%d", n+1)
	}
}

type testEnv struct {
	store  *Store
	ledger *Ledger
	svc    *Service
	gate   *Gate

	mu     sync.Mutex
	events []AuditEvent
}

func (e *testEnv) notified() []AuditEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]AuditEvent(nil), e.events...)
}

func newTestEnv(st *Store, policy Policy, opts ...Option) *testEnv {
	env := &testEnv{store: st}
	env.ledger = NewLedger(st.Ledger)
	env.ledger.SetEventSink(SinkFunc(func(_ context.Context, ev AuditEvent) {
		env.mu.Lock()
		env.events = append(env.events, ev)
		env.mu.Unlock()
	}))
	clock := newFakeClock()
	env.svc = NewService(st.Requests, env.ledger, st.Tx, append([]Option{WithClock(clock.Now)}, opts...)...)
	env.gate = NewGate(st.Requests, policy)
	return env
}

func asUser(userID string, role auth.Role) context.Context {
	return auth.WithSession(context.Background(), auth.Session{UserID: userID, Role: role})
}

func strPtr(s string) *string { return &s }
