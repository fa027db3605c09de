package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kanshi/internal/audit"
	"github.com/ashita-ai/kanshi/internal/model"
)

var _ audit.Sink = (*DB)(nil)

// Append inserts an audit entry. The table is append-only. Serialization
// conflicts are retried.
func (db *DB) Append(ctx context.Context, e model.AuditEntry) error {
	e = audit.Stamp(e, time.Now())

	var risk *string
	if e.RiskLevel != nil {
		s := e.RiskLevel.String()
		risk = &s
	}

	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO audit_log (
			     id, ts, agent, endpoint_id, method, path,
			     status, reason, risk_level, require_confirmation
			 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ID, e.Timestamp, e.Agent, e.EndpointID, e.Method, e.Path,
			string(e.Status), e.Reason, risk, e.RequireConfirmation,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: insert audit entry: %w", err)
	}
	return nil
}

// Query returns audit entries most-recent-first.
func (db *DB) Query(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	f = f.Normalize()

	rows, err := db.pool.Query(ctx,
		`SELECT id, ts, agent, endpoint_id, method, path,
		        status, reason, risk_level, require_confirmation
		 FROM audit_log
		 WHERE ($1 = '' OR agent = $1)
		   AND ($2 = '' OR status = $2)
		 ORDER BY seq DESC
		 LIMIT $3`,
		f.Agent, string(f.Status), f.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query audit log: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e      model.AuditEntry
			status string
			risk   *string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Agent, &e.EndpointID, &e.Method, &e.Path,
			&status, &e.Reason, &risk, &e.RequireConfirmation); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		e.Status = model.AuditStatus(status)
		if risk != nil {
			r, err := model.ParseRiskLevel(*risk)
			if err != nil {
				return nil, fmt.Errorf("storage: audit entry %s: %w", e.ID, err)
			}
			e.RiskLevel = &r
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetAuditEntry returns one entry by id, or ErrNotFound.
func (db *DB) GetAuditEntry(ctx context.Context, id string) (model.AuditEntry, error) {
	var (
		e      model.AuditEntry
		status string
		risk   *string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, ts, agent, endpoint_id, method, path,
		        status, reason, risk_level, require_confirmation
		 FROM audit_log WHERE id = $1`, id,
	).Scan(&e.ID, &e.Timestamp, &e.Agent, &e.EndpointID, &e.Method, &e.Path,
		&status, &e.Reason, &risk, &e.RequireConfirmation)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AuditEntry{}, ErrNotFound
	}
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("storage: get audit entry: %w", err)
	}
	e.Status = model.AuditStatus(status)
	if risk != nil {
		if r, err := model.ParseRiskLevel(*risk); err == nil {
			e.RiskLevel = &r
		}
	}
	return e, nil
}
