package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyLatest, false},
		{"latest", PolicyLatest, false},
		{"ANY-APPROVED", PolicyAnyApproved, false},
		{"first", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestGate_NoRequests(t *testing.T) {
	g := NewGate(NewMemoryRequestRepo(), "")
	assert.Equal(t, PolicyLatest, g.Policy())

	ok, err := g.IsAuthorized(context.Background(), "dr1", "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGate_Validation(t *testing.T) {
	g := NewGate(NewMemoryRequestRepo(), PolicyLatest)
	_, err := g.IsAuthorized(context.Background(), "", "p1")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = g.IsAuthorized(context.Background(), "dr1", " ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGate_Policies(t *testing.T) {
	ctx := context.Background()

	// approve an old request, then file a newer one with the given outcome.
	history := func(t *testing.T, env *testEnv, newer Status) {
		t.Helper()
		old, err := env.svc.CreateRequest(ctx, "dr1", "p1", nil)
		require.NoError(t, err)
		_, err = env.svc.Approve(ctx, old.ID)
		require.NoError(t, err)

		next, err := env.svc.CreateRequest(ctx, "dr1", "p1", nil)
		require.NoError(t, err)
		switch newer {
		case StatusApproved:
			_, err = env.svc.Approve(ctx, next.ID)
		case StatusRejected:
			_, err = env.svc.Reject(ctx, next.ID)
		}
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		policy Policy
		newer  Status
		want   bool
	}{
		{"latest: newer pending supersedes approval", PolicyLatest, StatusPending, false},
		{"latest: newer rejection supersedes approval", PolicyLatest, StatusRejected, false},
		{"latest: newer approval", PolicyLatest, StatusApproved, true},
		{"any-approved: older approval still counts", PolicyAnyApproved, StatusRejected, true},
		{"any-approved: pending newer", PolicyAnyApproved, StatusPending, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, st *Store) {
				env := newTestEnv(st, tt.policy)
				history(t, env, tt.newer)

				ok, err := env.gate.IsAuthorized(ctx, "dr1", "p1")
				require.NoError(t, err)
				assert.Equal(t, tt.want, ok)

				// Grants never leak to other pairs.
				ok, err = env.gate.IsAuthorized(ctx, "dr2", "p1")
				require.NoError(t, err)
				assert.False(t, ok)
				ok, err = env.gate.IsAuthorized(ctx, "dr1", "p2")
				require.NoError(t, err)
				assert.False(t, ok)
			})
		})
	}
}

func TestGate_ApproveThenRejectOfSameRequestIsImpossible(t *testing.T) {
	env := newTestEnv(NewMemoryStore(), PolicyLatest)
	ctx := context.Background()

	req, err := env.svc.CreateRequest(ctx, "dr1", "p1", nil)
	require.NoError(t, err)
	_, err = env.svc.Reject(ctx, req.ID)
	require.NoError(t, err)

	ok, err := env.gate.IsAuthorized(ctx, "dr1", "p1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecide_OrdersByCreatedAtWithStableTies(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reqs := []*AccessRequest{
		{ID: "late", Status: StatusRejected, CreatedAt: t0.Add(time.Hour)},
		{ID: "tie-a", Status: StatusRejected, CreatedAt: t0},
		{ID: "tie-b", Status: StatusApproved, CreatedAt: t0},
	}
	assert.False(t, decide(PolicyLatest, reqs), "the later request wins regardless of slice order")

	tied := []*AccessRequest{reqs[1], reqs[2]}
	assert.True(t, decide(PolicyLatest, tied), "insertion order breaks ties")
	assert.False(t, decide(PolicyLatest, nil))
}

type failingRequests struct {
	RequestRepository
}

func (failingRequests) ListByPair(context.Context, string, string) ([]*AccessRequest, error) {
	return nil, errors.New("connection reset")
}

func TestGate_StorageFailure(t *testing.T) {
	g := NewGate(failingRequests{}, PolicyLatest)
	ok, err := g.IsAuthorized(context.Background(), "dr1", "p1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrStorage)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "gate.list", se.Op)
}
