package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"maotrade/internal/core"
	"maotrade/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{
		Day:      "2026-08-24",
		Account:  "ACC1",
		Status:   core.SessionOpen,
		Phase:    core.PhaseOpen,
		OpenedAt: time.Now(),
	}
	require.NoError(t, s.PutSession(ctx, sess))

	got, err := s.GetSession(ctx, "2026-08-24", "ACC1")
	require.NoError(t, err)
	assert.Equal(t, core.SessionOpen, got.Status)
	assert.Equal(t, "ACC1", got.Account)

	// Atomic replace
	sess.Status = core.SessionClosed
	require.NoError(t, s.PutSession(ctx, sess))
	got, err = s.GetSession(ctx, "2026-08-24", "ACC1")
	require.NoError(t, err)
	assert.Equal(t, core.SessionClosed, got.Status)

	_, err = s.GetSession(ctx, "2026-08-25", "ACC1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStrategyStateCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.PutStrategyState(ctx, "sess", "strat1", []byte(`{"a":1}`), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = s.PutStrategyState(ctx, "sess", "strat1", []byte(`{"a":2}`), v)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// A writer holding an old version must fail.
	_, err = s.PutStrategyState(ctx, "sess", "strat1", []byte(`{"a":3}`), 1)
	assert.ErrorIs(t, err, ErrStaleVersion)
}

func TestOrderEventsAndRecovery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &Session{Day: "2026-08-24", Account: "ACC1", Status: core.SessionOpen, OpenedAt: time.Now()}
	require.NoError(t, s.PutSession(ctx, sess))

	open := &core.Order{
		ID:         "ord-open",
		Instrument: "IX.DAX",
		Side:       core.SideBuy,
		Quantity:   decimal.NewFromInt(100),
		State:      core.OrderSubmitting,
		CreatedAt:  time.Now(),
	}
	filled := &core.Order{
		ID:         "ord-done",
		Instrument: "IX.DAX",
		Side:       core.SideSell,
		Quantity:   decimal.NewFromInt(50),
		State:      core.OrderFilled,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.SaveOrder(ctx, sess.ID(), open))
	require.NoError(t, s.SaveOrder(ctx, sess.ID(), filled))
	require.NoError(t, s.AppendOrderEvent(ctx, open.ID, core.OrderDraft, core.OrderSubmitting, time.Now(), nil))

	_, err := s.PutStrategyState(ctx, sess.ID(), "sma-1", []byte(`{"fast":3}`), 0)
	require.NoError(t, err)

	for i := int64(0); i < 3; i++ {
		bar := core.Bar{Time: 1000 + i*300, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100, Closed: true}
		require.NoError(t, s.AppendBar(ctx, sess.Day, "IX.DAX", 300, bar))
	}

	rc, err := s.LoadRecoveryContext(ctx, "ACC1", "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, core.SessionOpen, rc.Session.Status)

	// Only the non-terminal order comes back.
	require.Len(t, rc.OpenOrders, 1)
	assert.Equal(t, "ord-open", rc.OpenOrders[0].ID)
	assert.Equal(t, core.OrderSubmitting, rc.OpenOrders[0].State)

	require.Len(t, rc.States, 1)
	assert.Equal(t, "sma-1", rc.States[0].StrategyID)
	assert.Equal(t, int64(1), rc.States[0].Version)

	bars := rc.Bars["IX.DAX"]
	require.Len(t, bars, 3)
	for i := 1; i < len(bars); i++ {
		assert.Greater(t, bars[i].Time, bars[i-1].Time, "bar log must be ordered")
	}
}

func TestRecoveryContextMissingSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadRecoveryContext(context.Background(), "ACC1", "2026-08-24")
	assert.ErrorIs(t, err, ErrNotFound)
}
