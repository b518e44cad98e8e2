package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"maotrade/internal/core"
	"maotrade/pkg/retry"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	day        TEXT NOT NULL,
	account    TEXT NOT NULL,
	status     INTEGER NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (day, account)
);
CREATE TABLE IF NOT EXISTS strategy_states (
	session_id  TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	version     INTEGER NOT NULL,
	data        BLOB NOT NULL,
	checksum    BLOB NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (session_id, strategy_id)
);
CREATE TABLE IF NOT EXISTS order_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id   TEXT NOT NULL,
	from_state INTEGER NOT NULL,
	to_state   INTEGER NOT NULL,
	ts         INTEGER NOT NULL,
	payload    TEXT
);
CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id);
CREATE TABLE IF NOT EXISTS orders (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	state      INTEGER NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_session ON orders(session_id);
CREATE TABLE IF NOT EXISTS bars (
	day        TEXT NOT NULL,
	instrument TEXT NOT NULL,
	timeframe  INTEGER NOT NULL,
	ts         INTEGER NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (day, instrument, timeframe, ts)
);
`

// SQLiteStore implements IStore on an embedded sqlite database in WAL
// mode. The Trade Manager domain is the only caller.
type SQLiteStore struct {
	db      *sql.DB
	logger  core.ILogger
	healthy atomic.Bool
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL keeps readers unblocked and makes single-row writes crash-atomic.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "store"),
	}
	s.healthy.Store(true)
	return s, nil
}

// Healthy reports whether the store accepted its last operation.
func (s *SQLiteStore) Healthy() bool { return s.healthy.Load() }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func isConnError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "unable to open database")
}

// withRetry runs op under the store reconnect policy (three attempts,
// three seconds apart) and tracks health.
func (s *SQLiteStore) withRetry(ctx context.Context, op func() error) error {
	err := retry.Do(ctx, retry.StorePolicy, isConnError, op)
	if err != nil && isConnError(err) {
		if s.healthy.Swap(false) {
			s.logger.Error("Store became unhealthy", "error", err)
		}
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	if err == nil && !s.healthy.Swap(true) {
		s.logger.Info("Store recovered")
	}
	return err
}

// PutSession atomically replaces the session row.
func (s *SQLiteStore) PutSession(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO sessions (day, account, status, data, updated_at) VALUES (?, ?, ?, ?, ?)`,
			sess.Day, sess.Account, int(sess.Status), string(data), time.Now().UnixNano())
		return err
	})
}

// GetSession loads the session for (day, account).
func (s *SQLiteStore) GetSession(ctx context.Context, day, account string) (*Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE day = ? AND account = ?`, day, account).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

// PutStrategyState writes a snapshot blob with a CAS on version. The
// caller passes the version it holds; the stored version becomes
// version+1 and is returned.
func (s *SQLiteStore) PutStrategyState(ctx context.Context, sessionID, strategyID string, blob []byte, version int64) (int64, error) {
	checksum := sha256.Sum256(blob)
	newVersion := version + 1

	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current int64
		err = tx.QueryRowContext(ctx,
			`SELECT version FROM strategy_states WHERE session_id = ? AND strategy_id = ?`,
			sessionID, strategyID).Scan(&current)
		switch {
		case err == sql.ErrNoRows:
			current = 0
		case err != nil:
			return fmt.Errorf("failed to read current version: %w", err)
		}
		if current > version {
			return ErrStaleVersion
		}

		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO strategy_states (session_id, strategy_id, version, data, checksum, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, strategyID, newVersion, blob, checksum[:], time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to write strategy state: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// AppendOrderEvent appends one order transition row. Durable on return.
func (s *SQLiteStore) AppendOrderEvent(ctx context.Context, orderID string, from, to core.OrderState, ts time.Time, payload []byte) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO order_events (order_id, from_state, to_state, ts, payload) VALUES (?, ?, ?, ?, ?)`,
			orderID, int(from), int(to), ts.UnixNano(), string(payload))
		return err
	})
}

// SaveOrder upserts the current order snapshot.
func (s *SQLiteStore) SaveOrder(ctx context.Context, sessionID string, o *core.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO orders (id, session_id, state, data, updated_at) VALUES (?, ?, ?, ?, ?)`,
			o.ID, sessionID, int(o.State), string(data), time.Now().UnixNano())
		return err
	})
}

// AppendBar records a closed strategy-timeframe bar for recovery replay.
func (s *SQLiteStore) AppendBar(ctx context.Context, day, instrument string, timeframe int64, bar core.Bar) error {
	data, err := json.Marshal(bar)
	if err != nil {
		return fmt.Errorf("failed to marshal bar: %w", err)
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO bars (day, instrument, timeframe, ts, data) VALUES (?, ?, ?, ?, ?)`,
			day, instrument, timeframe, bar.Time, string(data))
		return err
	})
}

// LoadRecoveryContext assembles everything needed to resume a crashed
// session: the session row, the latest state blob per strategy, the
// non-terminal order set and the ordered bar log since day start.
func (s *SQLiteStore) LoadRecoveryContext(ctx context.Context, account, day string) (*RecoveryContext, error) {
	sess, err := s.GetSession(ctx, day, account)
	if err == ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rc := &RecoveryContext{Session: sess, Bars: make(map[string][]core.Bar)}
	sessionID := sess.ID()

	rows, err := s.db.QueryContext(ctx,
		`SELECT strategy_id, version, data, checksum, updated_at FROM strategy_states WHERE session_id = ?`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st StrategyState
		var checksum []byte
		var updatedAt int64
		if err := rows.Scan(&st.StrategyID, &st.Version, &st.Blob, &checksum, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan strategy state: %w", err)
		}
		computed := sha256.Sum256(st.Blob)
		if len(checksum) != len(computed) || !bytesEqual(checksum, computed[:]) {
			return nil, fmt.Errorf("strategy state checksum mismatch for %s: data corruption detected", st.StrategyID)
		}
		st.SessionID = sessionID
		st.UpdatedAt = time.Unix(0, updatedAt)
		rc.States = append(rc.States, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	orderRows, err := s.db.QueryContext(ctx,
		`SELECT data FROM orders WHERE session_id = ? AND state NOT IN (?, ?, ?, ?)`,
		sessionID, int(core.OrderFilled), int(core.OrderRejected), int(core.OrderCancelled), int(core.OrderError))
	if err != nil {
		return nil, fmt.Errorf("failed to read open orders: %w", err)
	}
	defer orderRows.Close()
	for orderRows.Next() {
		var data string
		if err := orderRows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		var o core.Order
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order: %w", err)
		}
		rc.OpenOrders = append(rc.OpenOrders, &o)
	}
	if err := orderRows.Err(); err != nil {
		return nil, err
	}

	barRows, err := s.db.QueryContext(ctx,
		`SELECT instrument, data FROM bars WHERE day = ? ORDER BY instrument, ts`, day)
	if err != nil {
		return nil, fmt.Errorf("failed to read bar log: %w", err)
	}
	defer barRows.Close()
	for barRows.Next() {
		var instrument, data string
		if err := barRows.Scan(&instrument, &data); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		var bar core.Bar
		if err := json.Unmarshal([]byte(data), &bar); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bar: %w", err)
		}
		rc.Bars[instrument] = append(rc.Bars[instrument], bar)
	}
	return rc, barRows.Err()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
