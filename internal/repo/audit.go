package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/breaker"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// AuditStore persists append-only model.AuditLog rows.
type AuditStore struct {
	conn *sql.DB
	br   *breaker.Breaker[struct{}]
}

// Append records one audit event. Entries are immutable once written;
// there is no Update or Delete.
func (s *AuditStore) Append(ctx context.Context, e *model.AuditLog) error {
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = runBreaker(ctx, s.br, func() (struct{}, error) {
		_, err := s.conn.ExecContext(ctx, `
			INSERT INTO audit_log (timestamp, event_type, device_id, gpio, severity, details_json)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.Timestamp.UTC().Format(time.RFC3339Nano), e.EventType, e.DeviceID, e.GPIO, e.Severity, string(detailsJSON))
		return struct{}{}, err
	})
	return err
}

// Recent returns the most recent n audit entries, newest first. Supports
// the operator-facing recent-activity view (supplemental feature, not in
// the original distillation).
func (s *AuditStore) Recent(ctx context.Context, n int) ([]*model.AuditLog, error) {
	if n <= 0 {
		n = 100
	}
	var out []*model.AuditLog
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		rows, err := s.conn.QueryContext(ctx, `
			SELECT id, timestamp, event_type, device_id, gpio, severity, details_json
			FROM audit_log ORDER BY timestamp DESC LIMIT ?
		`, n)
		if err != nil {
			return struct{}{}, err
		}
		defer rows.Close()
		for rows.Next() {
			var e model.AuditLog
			var ts string
			var gpio sql.NullInt64
			var detailsJSON string
			if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.DeviceID, &gpio, &e.Severity, &detailsJSON); err != nil {
				return struct{}{}, err
			}
			e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
			if gpio.Valid {
				v := int(gpio.Int64)
				e.GPIO = &v
			}
			if detailsJSON != "" {
				if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
					return struct{}{}, fmt.Errorf("unmarshal details: %w", err)
				}
			}
			out = append(out, &e)
		}
		return struct{}{}, rows.Err()
	})
	return out, err
}

// PruneBefore deletes audit entries older than cutoff. Only the opt-in
// retention job calls this; the default configuration never does.
func (s *AuditStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		res, err := s.conn.ExecContext(ctx, `
			DELETE FROM audit_log WHERE timestamp < ?
		`, cutoff.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return struct{}{}, err
		}
		n, _ = res.RowsAffected()
		return struct{}{}, nil
	})
	return n, err
}
