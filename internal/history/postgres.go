package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coteacher/internal/logger"
	"coteacher/pkg/types"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS turns (
	principal_id TEXT NOT NULL,
	sort_key     TEXT NOT NULL,
	created_at   BIGINT NOT NULL,
	message      TEXT NOT NULL,
	sender       TEXT NOT NULL CHECK (sender IN ('human', 'assistant')),
	session_id   TEXT NOT NULL DEFAULT '',
	class_id     TEXT NOT NULL DEFAULT '',
	student_ids  TEXT NOT NULL DEFAULT '[]',
	expires_at   BIGINT NOT NULL,
	PRIMARY KEY (principal_id, sort_key)
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON turns (principal_id, session_id, sort_key);
CREATE INDEX IF NOT EXISTS idx_turns_expiry  ON turns (expires_at);
`

// PGStore is the Postgres history backend for multi-node deployments where a
// local SQLite file cannot be shared. Postgres handles write concurrency
// itself, so there is no single-writer funnel here.
type PGStore struct {
	pool      *pgxpool.Pool
	retention time.Duration

	shutdown  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPGStore connects to Postgres, applies the schema, and starts the expiry
// sweeper.
func NewPGStore(ctx context.Context, dsn string, retention, sweepInterval time.Duration) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &PGStore{
		pool:      pool,
		retention: retention,
		shutdown:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.sweepLoop(sweepInterval)

	return s, nil
}

func (s *PGStore) sweepLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tag, err := s.pool.Exec(context.Background(),
				"DELETE FROM turns WHERE expires_at <= $1", time.Now().Unix())
			if err != nil {
				logger.L.Warn("expiry sweep failed", "error", err)
				continue
			}
			if tag.RowsAffected() > 0 {
				logger.L.Info("swept expired turns", "count", tag.RowsAffected())
			}
		case <-s.shutdown:
			return
		}
	}
}

// Append commits a turn with the same idempotence contract as the SQLite
// backend.
func (s *PGStore) Append(ctx context.Context, turn *types.Turn) error {
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

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO turns
			(principal_id, sort_key, created_at, message, sender, session_id, class_id, student_ids, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (principal_id, sort_key) DO NOTHING`,
		turn.PrincipalID, turn.SortKey, turn.CreatedAt, turn.Message, turn.Sender,
		turn.SessionID, turn.ClassID, string(studentIDsJSON), turn.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var message, sender string
	err = s.pool.QueryRow(ctx,
		"SELECT message, sender FROM turns WHERE principal_id = $1 AND sort_key = $2",
		turn.PrincipalID, turn.SortKey,
	).Scan(&message, &sender)
	if err != nil {
		return fmt.Errorf("failed to check existing turn: %w", err)
	}
	if message == turn.Message && sender == turn.Sender {
		return nil
	}
	return ErrDuplicateKey
}

// QueryByPrincipal returns one ascending page of live turns.
func (s *PGStore) QueryByPrincipal(ctx context.Context, principalID string, q Query) ([]*types.Turn, string, error) {
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
		WHERE principal_id = $1 AND expires_at > $2`
	args := []interface{}{principalID, time.Now().Unix()}

	if q.SessionID != "" {
		args = append(args, q.SessionID)
		query += fmt.Sprintf(" AND session_id = $%d", len(args))
	}
	if q.ClassID != "" {
		args = append(args, q.ClassID)
		query += fmt.Sprintf(" AND class_id = $%d", len(args))
	}
	if q.PageToken != "" {
		args = append(args, q.PageToken)
		query += fmt.Sprintf(" AND sort_key > $%d", len(args))
	}

	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY sort_key ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []*types.Turn
	for rows.Next() {
		turn, err := scanPGTurn(rows)
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
func (s *PGStore) QueryBySession(ctx context.Context, principalID, sessionID string) ([]*types.Turn, error) {
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

// Close stops the sweeper and releases the connection pool.
func (s *PGStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
		s.pool.Close()
	})
	return nil
}

func scanPGTurn(rows pgx.Rows) (*types.Turn, error) {
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

var _ Store = (*PGStore)(nil)
