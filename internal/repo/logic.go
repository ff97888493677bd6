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

// LogicStore persists model.LogicRule and model.RuleExecution rows.
type LogicStore struct {
	conn *sql.DB
	br   *breaker.Breaker[struct{}]
}

// GetByTriggerSensor returns every enabled rule whose trigger index
// contains (deviceID, gpio, sensorType), ordered by Priority ascending so
// the Logic Engine evaluates higher-priority rules first.
func (s *LogicStore) GetByTriggerSensor(ctx context.Context, deviceID string, gpio int, sensorType string) ([]*model.LogicRule, error) {
	all, err := s.listEnabled(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.LogicRule
	for _, r := range all {
		for _, trig := range r.Triggers {
			if trig.DeviceID == deviceID && trig.GPIO == gpio && trig.SensorType == sensorType {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

// GetTimerRules returns every enabled rule whose Conditions tree contains
// at least one time_window leaf, re-evaluated by the 60s timer tick
// regardless of sensor activity.
func (s *LogicStore) GetTimerRules(ctx context.Context) ([]*model.LogicRule, error) {
	all, err := s.listEnabled(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.LogicRule
	for _, r := range all {
		if hasTimeWindow(r.Conditions) {
			out = append(out, r)
		}
	}
	return out, nil
}

func hasTimeWindow(c model.Condition) bool {
	if c.Kind == model.ConditionTimeWindow {
		return true
	}
	for _, child := range c.Children {
		if hasTimeWindow(child) {
			return true
		}
	}
	return false
}

func (s *LogicStore) listEnabled(ctx context.Context) ([]*model.LogicRule, error) {
	var out []*model.LogicRule
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		rows, err := s.conn.QueryContext(ctx, `
			SELECT id, name, enabled, priority, cooldown_sec, max_executions_per_hour, safety_critical,
			       triggers_json, conditions_json, actions_json, last_executed
			FROM logic_rules WHERE enabled = 1 ORDER BY priority ASC
		`)
		if err != nil {
			return struct{}{}, err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanLogicRule(rows)
			if err != nil {
				return struct{}{}, err
			}
			out = append(out, r)
		}
		return struct{}{}, rows.Err()
	})
	return out, err
}

// Upsert creates or replaces a logic rule definition.
func (s *LogicStore) Upsert(ctx context.Context, r *model.LogicRule) error {
	trigJSON, err := json.Marshal(r.Triggers)
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}
	condJSON, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	actJSON, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	_, err = runBreaker(ctx, s.br, func() (struct{}, error) {
		if r.ID == 0 {
			res, err := s.conn.ExecContext(ctx, `
				INSERT INTO logic_rules
					(name, enabled, priority, cooldown_sec, max_executions_per_hour, safety_critical,
					 triggers_json, conditions_json, actions_json)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, r.Name, r.Enabled, r.Priority, r.CooldownSec, r.MaxExecutionsPerHour, r.SafetyCritical,
				string(trigJSON), string(condJSON), string(actJSON))
			if err != nil {
				return struct{}{}, err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return struct{}{}, err
			}
			r.ID = id
			return struct{}{}, nil
		}
		_, err := s.conn.ExecContext(ctx, `
			UPDATE logic_rules SET name = ?, enabled = ?, priority = ?, cooldown_sec = ?,
				max_executions_per_hour = ?, safety_critical = ?, triggers_json = ?, conditions_json = ?, actions_json = ?
			WHERE id = ?
		`, r.Name, r.Enabled, r.Priority, r.CooldownSec, r.MaxExecutionsPerHour, r.SafetyCritical,
			string(trigJSON), string(condJSON), string(actJSON), r.ID)
		return struct{}{}, err
	})
	return err
}

// MarkExecuted stamps a rule's LastExecuted time, used for cooldown gating.
func (s *LogicStore) MarkExecuted(ctx context.Context, ruleID int64, at time.Time) error {
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		_, err := s.conn.ExecContext(ctx, `UPDATE logic_rules SET last_executed = ? WHERE id = ?`,
			at.UTC().Format(time.RFC3339Nano), ruleID)
		return struct{}{}, err
	})
	return err
}

// LogExecution appends an immutable record of one rule evaluation.
func (s *LogicStore) LogExecution(ctx context.Context, e *model.RuleExecution) error {
	triggerJSON, err := json.Marshal(e.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger data: %w", err)
	}
	_, err = runBreaker(ctx, s.br, func() (struct{}, error) {
		_, err := s.conn.ExecContext(ctx, `
			INSERT INTO rule_executions (rule_id, timestamp, trigger_json, actions_summary, success, duration_ms, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.RuleID, e.Timestamp.UTC().Format(time.RFC3339Nano), string(triggerJSON), e.ActionsSummary,
			e.Success, e.DurationMS, e.ErrorMessage)
		return struct{}{}, err
	})
	return err
}

// RecentExecutions returns executions of ruleID within the last window,
// used by the per-rule max-executions-per-hour rate limiter tier.
func (s *LogicStore) RecentExecutions(ctx context.Context, ruleID int64, since time.Time) (int, error) {
	var count int
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		row := s.conn.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM rule_executions WHERE rule_id = ? AND timestamp >= ?
		`, ruleID, since.UTC().Format(time.RFC3339Nano))
		return struct{}{}, row.Scan(&count)
	})
	return count, err
}

func scanLogicRule(row scannable) (*model.LogicRule, error) {
	var r model.LogicRule
	var enabled, safetyCritical int
	var trigJSON, condJSON, actJSON string
	var lastExecuted sql.NullString

	err := row.Scan(&r.ID, &r.Name, &enabled, &r.Priority, &r.CooldownSec, &r.MaxExecutionsPerHour, &safetyCritical,
		&trigJSON, &condJSON, &actJSON, &lastExecuted)
	if err != nil {
		return nil, err
	}
	r.Enabled = enabled != 0
	r.SafetyCritical = safetyCritical != 0

	if err := json.Unmarshal([]byte(trigJSON), &r.Triggers); err != nil {
		return nil, fmt.Errorf("unmarshal triggers: %w", err)
	}
	if err := json.Unmarshal([]byte(condJSON), &r.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(actJSON), &r.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	if lastExecuted.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastExecuted.String)
		if err == nil {
			r.LastExecuted = &t
		}
	}
	return &r, nil
}

// PruneExecutionsBefore deletes rule-execution history older than
// cutoff. Only the opt-in retention job calls this; the default
// configuration never does.
func (s *LogicStore) PruneExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		res, err := s.conn.ExecContext(ctx, `
			DELETE FROM rule_executions WHERE timestamp < ?
		`, cutoff.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return struct{}{}, err
		}
		n, _ = res.RowsAffected()
		return struct{}{}, nil
	})
	return n, err
}
