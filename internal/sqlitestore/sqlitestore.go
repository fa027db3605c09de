// Package sqlitestore persists the audit log and conversation messages in an
// embedded SQLite database, for single-node deployments without Postgres.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kanshi/internal/audit"
	"github.com/ashita-ai/kanshi/internal/model"
)

//go:embed schema.sql
var schema string

var _ audit.Sink = (*Store)(nil)

// Store is a SQLite-backed audit sink and message store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
// path ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps an in-memory
	// database alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	logger.Info("sqlitestore: opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const timeLayout = time.RFC3339Nano

// Append inserts an audit entry.
func (s *Store) Append(ctx context.Context, e model.AuditEntry) error {
	e = audit.Stamp(e, time.Now())

	var risk, confirm any
	if e.RiskLevel != nil {
		risk = e.RiskLevel.String()
	}
	if e.RequireConfirmation != nil {
		confirm = *e.RequireConfirmation
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, ts, agent, endpoint_id, method, path, status, reason, risk_level, require_confirmation)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Timestamp.UTC().Format(timeLayout), e.Agent, e.EndpointID, e.Method, e.Path,
		string(e.Status), e.Reason, risk, confirm,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: insert audit entry: %w", err)
	}
	return nil
}

// Query returns audit entries most-recent-first.
func (s *Store) Query(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	f = f.Normalize()

	var (
		where []string
		args  []any
	)
	if f.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, f.Agent)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT id, ts, agent, endpoint_id, method, path, status, reason, risk_level, require_confirmation FROM audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e            model.AuditEntry
			id, ts, st   string
			risk         sql.NullString
			confirmation sql.NullBool
		)
		if err := rows.Scan(&id, &ts, &e.Agent, &e.EndpointID, &e.Method, &e.Path, &st, &e.Reason, &risk, &confirmation); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan audit entry: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlitestore: audit entry id %q: %w", id, err)
		}
		if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("sqlitestore: audit entry %s timestamp: %w", id, err)
		}
		e.Status = model.AuditStatus(st)
		if risk.Valid {
			r, err := model.ParseRiskLevel(risk.String)
			if err != nil {
				return nil, fmt.Errorf("sqlitestore: audit entry %s: %w", id, err)
			}
			e.RiskLevel = &r
		}
		if confirmation.Valid {
			v := confirmation.Bool
			e.RequireConfirmation = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveMessage inserts a conversation message and its recipients in one
// transaction.
func (s *Store) SaveMessage(ctx context.Context, m model.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal message metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, turn_id, sender, content, message_type, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.ConversationID, m.UserID, m.TurnID.String(), string(m.Sender),
		m.Content, string(m.Type), string(metaJSON), m.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlitestore: message seq: %w", err)
	}
	for i, r := range m.Recipients {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_recipients (message_seq, recipient, position) VALUES (?, ?, ?)`,
			seq, string(r), i,
		); err != nil {
			return fmt.Errorf("sqlitestore: insert recipient: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit message: %w", err)
	}
	return nil
}

// LoadHistory returns up to limit messages for key, oldest first.
func (s *Store) LoadHistory(ctx context.Context, key model.ConversationKey, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	turn := ""
	if key.TurnID != uuid.Nil {
		turn = key.TurnID.String()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, conversation_id, user_id, turn_id, sender, content, message_type, metadata, created_at
		 FROM (
		     SELECT * FROM messages m
		     WHERE m.user_id = ?1
		       AND (m.sender = ?2 OR EXISTS (
		           SELECT 1 FROM message_recipients r WHERE r.message_seq = m.seq AND r.recipient = ?2))
		       AND (?3 = '' OR m.turn_id = ?3)
		     ORDER BY m.seq DESC
		     LIMIT ?4
		 )
		 ORDER BY seq ASC`,
		key.UserID, string(key.AgentID), turn, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query messages: %w", err)
	}

	var (
		out  []model.Message
		seqs []int64
	)
	for rows.Next() {
		var (
			m                      model.Message
			seq                    int64
			id, turnID, sender     string
			typ, metaJSON, created string
		)
		if err := rows.Scan(&seq, &id, &m.ConversationID, &m.UserID, &turnID, &sender, &m.Content, &typ, &metaJSON, &created); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sqlitestore: scan message: %w", err)
		}
		m.ID, _ = uuid.Parse(id)
		m.TurnID, _ = uuid.Parse(turnID)
		m.Sender = model.AgentID(sender)
		m.Type = model.MessageType(typ)
		m.CreatedAt, _ = time.Parse(timeLayout, created)
		if metaJSON != "" && metaJSON != "{}" {
			if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("sqlitestore: decode message metadata: %w", err)
			}
		}
		out = append(out, m)
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Recipients are loaded after the rows are closed; the pool has one connection.
	for i, seq := range seqs {
		recips, err := s.recipients(ctx, seq)
		if err != nil {
			return nil, err
		}
		out[i].Recipients = recips
	}
	return out, nil
}

func (s *Store) recipients(ctx context.Context, seq int64) ([]model.AgentID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient FROM message_recipients WHERE message_seq = ? ORDER BY position`, seq)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query recipients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AgentID
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan recipient: %w", err)
		}
		out = append(out, model.AgentID(r))
	}
	return out, rows.Err()
}
