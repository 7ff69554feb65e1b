package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the Postgres writer uses.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Schema creates the audit table.
const Schema = `create table if not exists audit_events (
	id bigserial primary key,
	type text not null,
	session_id text not null,
	client_id text not null default '',
	host text not null default '',
	detail text not null default '',
	at timestamptz not null
);
create index if not exists audit_events_session_idx on audit_events (session_id, at)`

// PostgresWriter appends audit events to the audit_events table.
type PostgresWriter struct {
	db DB
}

// NewPostgresWriter returns a writer over db.
func NewPostgresWriter(db DB) *PostgresWriter {
	return &PostgresWriter{db: db}
}

// EnsureSchema creates the table and index if missing.
func (p *PostgresWriter) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// Write implements Writer.
func (p *PostgresWriter) Write(ctx context.Context, ev Event) error {
	_, err := p.db.Exec(ctx,
		`insert into audit_events (type, session_id, client_id, host, detail, at) values ($1, $2, $3, $4, $5, $6)`,
		string(ev.Type), ev.SessionID, ev.ClientID, ev.Host, ev.Detail, ev.At)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", ev.Type, err)
	}
	return nil
}

// History returns the most recent events for a session, newest first.
func (p *PostgresWriter) History(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx,
		`select type, session_id, client_id, host, detail, at from audit_events where session_id = $1 order by at desc limit $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: history: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var typ string
		if err := rows.Scan(&typ, &ev.SessionID, &ev.ClientID, &ev.Host, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		ev.Type = EventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
