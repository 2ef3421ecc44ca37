package tickstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RiskAuditRecord is the persisted outcome of one guardrail
// evaluation. Every rejection and clamp produces one.
type RiskAuditRecord struct {
	ID        string
	Timestamp time.Time
	Symbol    string
	SignalID  string
	Decision  string // accepted, rejected, clamped
	Reasons   []string
	Proposal  json.RawMessage // proposal snapshot at evaluation time
}

// AuditRecord is an append-only entry for flag and guardrail
// mutations.
type AuditRecord struct {
	ID      string
	Ts      time.Time
	Actor   string
	Action  string
	Before  json.RawMessage
	After   json.RawMessage
	IP      string
	TraceID string
}

// InsertRiskAudit persists a guardrail decision.
func (s *Store) InsertRiskAudit(ctx context.Context, r *RiskAuditRecord) error {
	query := `
		INSERT INTO risk_audit (
			id, ts, symbol, signal_id, decision, reasons, proposal
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.pool.Exec(ctx, query,
		r.ID,
		r.Timestamp,
		r.Symbol,
		r.SignalID,
		r.Decision,
		r.Reasons,
		r.Proposal,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteUnavailable, err)
	}

	s.logger.Debug().
		Str("audit_id", r.ID).
		Str("symbol", r.Symbol).
		Str("decision", r.Decision).
		Strs("reasons", r.Reasons).
		Msg("Risk decision persisted")

	return nil
}

// RecentRiskAudits returns the newest guardrail decisions, optionally
// filtered by symbol and decision kind (empty matches all).
func (s *Store) RecentRiskAudits(ctx context.Context, symbol, decision string, limit int) ([]*RiskAuditRecord, error) {
	query := `
		SELECT id, ts, symbol, signal_id, decision, reasons, proposal
		FROM risk_audit
		WHERE ($1 = '' OR symbol = $1)
		  AND ($2 = '' OR decision = $2)
		ORDER BY ts DESC
		LIMIT $3
	`

	rows, err := s.pool.Query(ctx, query, symbol, decision, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk audits: %w", err)
	}
	defer rows.Close()

	var audits []*RiskAuditRecord
	for rows.Next() {
		var r RiskAuditRecord
		if err := rows.Scan(
			&r.ID,
			&r.Timestamp,
			&r.Symbol,
			&r.SignalID,
			&r.Decision,
			&r.Reasons,
			&r.Proposal,
		); err != nil {
			return nil, fmt.Errorf("failed to scan risk audit: %w", err)
		}
		audits = append(audits, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating risk audits: %w", err)
	}

	return audits, nil
}

// InsertAudit appends a mutation entry to the audit log.
func (s *Store) InsertAudit(ctx context.Context, a *AuditRecord) error {
	query := `
		INSERT INTO audit_log (
			id, ts, actor, action, before, after, ip, trace_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.pool.Exec(ctx, query,
		a.ID,
		a.Ts,
		a.Actor,
		a.Action,
		a.Before,
		a.After,
		a.IP,
		a.TraceID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteUnavailable, err)
	}

	return nil
}

// RecentAudits returns the newest audit log entries.
func (s *Store) RecentAudits(ctx context.Context, limit int) ([]*AuditRecord, error) {
	query := `
		SELECT id, ts, actor, action, before, after, ip, trace_id
		FROM audit_log
		ORDER BY ts DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var audits []*AuditRecord
	for rows.Next() {
		var a AuditRecord
		if err := rows.Scan(
			&a.ID,
			&a.Ts,
			&a.Actor,
			&a.Action,
			&a.Before,
			&a.After,
			&a.IP,
			&a.TraceID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		audits = append(audits, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}

	return audits, nil
}
