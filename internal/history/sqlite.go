package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"coteacher/internal/logger"
	"coteacher/pkg/database"
	"coteacher/pkg/types"
)

// SQLiteStore is the default history backend. All writes funnel through a
// single goroutine because SQLite serializes writers anyway; reads run
// concurrently against the WAL snapshot.
type SQLiteStore struct {
	db            *sql.DB
	retention     time.Duration
	writeChannel  chan writeOperation
	shutdown      chan struct{}
	wg            sync.WaitGroup
	closed        bool
	mu            sync.RWMutex
	sweepInterval time.Duration
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewSQLiteStore opens the database, applies the schema, and starts the
// writer and expiry sweeper goroutines.
func NewSQLiteStore(cfg *database.Config, retention, sweepInterval time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", cfg.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if _, err := db.Exec(database.Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := database.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	s := &SQLiteStore{
		db:            db,
		retention:     retention,
		writeChannel:  make(chan writeOperation, 100),
		shutdown:      make(chan struct{}),
		sweepInterval: sweepInterval,
	}

	s.wg.Add(2)
	go s.writeLoop()
	go s.sweepLoop()

	return s, nil
}

// writeLoop processes all write operations in a single goroutine.
func (s *SQLiteStore) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			op.result <- op.operation(s.db)
		case <-s.shutdown:
			return
		}
	}
}

// sweepLoop periodically deletes expired turns. Deletion is eventual; reads
// filter on expires_at so expired rows are invisible regardless of sweep lag.
func (s *SQLiteStore) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.executeWrite(func(db *sql.DB) error {
				res, err := db.Exec("DELETE FROM turns WHERE expires_at <= ?", time.Now().Unix())
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n > 0 {
					logger.L.Info("swept expired turns", "count", n)
				}
				return nil
			})
			if err != nil {
				logger.L.Warn("expiry sweep failed", "error", err)
			}
		case <-s.shutdown:
			return
		}
	}
}

func (s *SQLiteStore) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-s.shutdown:
		return ErrStoreClosed
	}
}

// Append commits a turn, filling ExpiresAt from the retention policy when the
// caller leaves it unset.
func (s *SQLiteStore) Append(ctx context.Context, turn *types.Turn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	if turn.ExpiresAt == 0 {
		turn.ExpiresAt = turn.CreatedAt + int64(s.retention.Seconds())
	}

	studentIDsJSON, err := json.Marshal(turn.StudentIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal student IDs: %w", err)
	}

	return s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO turns
				(principal_id, sort_key, created_at, message, sender, session_id, class_id, student_ids, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			turn.PrincipalID, turn.SortKey, turn.CreatedAt, turn.Message, turn.Sender,
			turn.SessionID, turn.ClassID, string(studentIDsJSON), turn.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert turn: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read insert result: %w", err)
		}
		if rows > 0 {
			return nil
		}

		// Key already present: identical content means a retried commit and
		// is a no-op; anything else is a hard conflict.
		var message, sender string
		err = db.QueryRowContext(ctx,
			"SELECT message, sender FROM turns WHERE principal_id = ? AND sort_key = ?",
			turn.PrincipalID, turn.SortKey,
		).Scan(&message, &sender)
		if err != nil {
			return fmt.Errorf("failed to check existing turn: %w", err)
		}
		if message == turn.Message && sender == turn.Sender {
			return nil
		}
		return ErrDuplicateKey
	})
}

// QueryByPrincipal returns one ascending page of live turns.
func (s *SQLiteStore) QueryByPrincipal(ctx context.Context, principalID string, q Query) ([]*types.Turn, string, error) {
	limit := q.Limit
	if limit == 0 {
		limit = DefaultQueryLimit
	}
	if limit < 0 {
		return nil, "", ErrInvalidLimit
	}

	query := `
		SELECT principal_id, sort_key, created_at, message, sender, session_id, class_id, student_ids, expires_at
		FROM turns
		WHERE principal_id = ? AND expires_at > ?`
	args := []interface{}{principalID, time.Now().Unix()}

	if q.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, q.SessionID)
	}
	if q.ClassID != "" {
		query += " AND class_id = ?"
		args = append(args, q.ClassID)
	}
	if q.PageToken != "" {
		query += " AND sort_key > ?"
		args = append(args, q.PageToken)
	}

	// Fetch one extra row to learn whether another page exists.
	query += " ORDER BY sort_key ASC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*types.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, "", err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to iterate turns: %w", err)
	}

	nextToken := ""
	if len(turns) > limit {
		turns = turns[:limit]
		nextToken = turns[limit-1].SortKey
	}
	return turns, nextToken, nil
}

// QueryBySession returns every live turn of one session in order.
func (s *SQLiteStore) QueryBySession(ctx context.Context, principalID, sessionID string) ([]*types.Turn, error) {
	var all []*types.Turn
	q := Query{SessionID: sessionID}
	for {
		page, next, err := s.QueryByPrincipal(ctx, principalID, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		q.PageToken = next
	}
}

// Close shuts down the writer and sweeper goroutines and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	return s.db.Close()
}

func scanTurn(rows *sql.Rows) (*types.Turn, error) {
	var turn types.Turn
	var studentIDsJSON string

	err := rows.Scan(
		&turn.PrincipalID, &turn.SortKey, &turn.CreatedAt, &turn.Message, &turn.Sender,
		&turn.SessionID, &turn.ClassID, &studentIDsJSON, &turn.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan turn: %w", err)
	}
	if err := json.Unmarshal([]byte(studentIDsJSON), &turn.StudentIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal student IDs: %w", err)
	}
	return &turn, nil
}

var _ Store = (*SQLiteStore)(nil)
