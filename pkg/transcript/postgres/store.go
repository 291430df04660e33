// Package postgres stores transcript records in PostgreSQL.
//
// The schema is a single transcripts table keyed by (session_id, seq) with a
// GIN full-text index over the text column. [NewStore] runs [Migrate] on
// open.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/earshot/pkg/transcript"
)

var _ transcript.Sink = (*Store)(nil)

// Store is a PostgreSQL-backed [transcript.Sink]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and migrates the schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Write implements [transcript.Sink]. Writing the same (session, seq) twice
// keeps the first record.
func (s *Store) Write(ctx context.Context, r transcript.Record) error {
	const q = `
		INSERT INTO transcripts
		    (session_id, seq, client_id, text, timestamp, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, seq) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		r.SessionID,
		int64(r.Seq),
		r.ClientID,
		r.Text,
		r.Timestamp,
		r.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: write: %w", err)
	}
	return nil
}

// Session returns every record of sessionID in delivery order.
func (s *Store) Session(ctx context.Context, sessionID string) ([]transcript.Record, error) {
	const q = `
		SELECT session_id, seq, client_id, text, timestamp, received_at
		FROM   transcripts
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: session: %w", err)
	}
	return collectRecords(rows)
}

// SearchOpts narrows [Store.Search].
type SearchOpts struct {
	SessionID string
	ClientID  string
	Limit     int
}

// Search runs a full-text query over transcript text, newest first.
func (s *Store) Search(ctx context.Context, query string, opts SearchOpts) ([]transcript.Record, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.ClientID != "" {
		conditions = append(conditions, "client_id = "+next(opts.ClientID))
	}

	q := "SELECT session_id, seq, client_id, text, timestamp, received_at\n" +
		"FROM   transcripts\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY received_at DESC"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	return collectRecords(rows)
}

// Close implements [transcript.Sink].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func collectRecords(rows pgx.Rows) ([]transcript.Record, error) {
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Record, error) {
		var (
			r   transcript.Record
			seq int64
		)
		if err := row.Scan(&r.SessionID, &seq, &r.ClientID, &r.Text, &r.Timestamp, &r.ReceivedAt); err != nil {
			return transcript.Record{}, err
		}
		r.Seq = uint64(seq)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if recs == nil {
		recs = []transcript.Record{}
	}
	return recs, nil
}
