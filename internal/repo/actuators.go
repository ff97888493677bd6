package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/breaker"
	"github.com/Auto-one-Family/kaiser-core/internal/kerrors"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// ActuatorStore persists model.ActuatorConfig and model.ActuatorState rows.
type ActuatorStore struct {
	conn *sql.DB
	br   *breaker.Breaker[struct{}]
}

// GetByDeviceAndGPIO returns an actuator's static configuration.
func (s *ActuatorStore) GetByDeviceAndGPIO(ctx context.Context, deviceID string, gpio int) (*model.ActuatorConfig, error) {
	var c model.ActuatorConfig
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		row := s.conn.QueryRowContext(ctx, `
			SELECT id, device_id, gpio, actuator_type, control_type, critical, default_state, safety_limits_json
			FROM actuator_configs WHERE device_id = ? AND gpio = ?
		`, deviceID, gpio)
		return struct{}{}, scanActuatorConfig(row, &c)
	})
	if err == sql.ErrNoRows {
		return nil, kerrors.New(kerrors.KindNotFound, fmt.Sprintf("no actuator config for %s/gpio%d", deviceID, gpio))
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Upsert creates or replaces an actuator's configuration.
func (s *ActuatorStore) Upsert(ctx context.Context, c *model.ActuatorConfig) error {
	limitsJSON, err := json.Marshal(c.SafetyLimits)
	if err != nil {
		return fmt.Errorf("marshal safety limits: %w", err)
	}
	_, err = runBreaker(ctx, s.br, func() (struct{}, error) {
		_, err := s.conn.ExecContext(ctx, `
			INSERT INTO actuator_configs
				(device_id, gpio, actuator_type, control_type, critical, default_state, safety_limits_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id, gpio) DO UPDATE SET
				actuator_type = excluded.actuator_type,
				control_type = excluded.control_type,
				critical = excluded.critical,
				default_state = excluded.default_state,
				safety_limits_json = excluded.safety_limits_json
		`, c.DeviceID, c.GPIO, c.ActuatorType, c.ControlType, c.Critical, c.DefaultState, string(limitsJSON))
		return struct{}{}, err
	})
	return err
}

// UpsertState records the actuator's last-known state, as reported by an
// actuator response or alert message.
func (s *ActuatorStore) UpsertState(ctx context.Context, st *model.ActuatorState) error {
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		_, err := s.conn.ExecContext(ctx, `
			INSERT INTO actuator_states (device_id, gpio, state, pwm_value, last_command_ts, emergency_state)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id, gpio) DO UPDATE SET
				state = excluded.state,
				pwm_value = excluded.pwm_value,
				last_command_ts = excluded.last_command_ts,
				emergency_state = excluded.emergency_state
		`, st.DeviceID, st.GPIO, st.State, st.PWMValue, st.LastCommandTS.UTC().Format(time.RFC3339Nano), st.EmergencyState)
		return struct{}{}, err
	})
	return err
}

// GetState returns an actuator's last-known state.
func (s *ActuatorStore) GetState(ctx context.Context, deviceID string, gpio int) (*model.ActuatorState, error) {
	var st model.ActuatorState
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		row := s.conn.QueryRowContext(ctx, `
			SELECT device_id, gpio, state, pwm_value, last_command_ts, emergency_state
			FROM actuator_states WHERE device_id = ? AND gpio = ?
		`, deviceID, gpio)
		var ts string
		var emergency string
		if err := row.Scan(&st.DeviceID, &st.GPIO, &st.State, &st.PWMValue, &ts, &emergency); err != nil {
			return struct{}{}, err
		}
		st.LastCommandTS, _ = time.Parse(time.RFC3339Nano, ts)
		st.EmergencyState = model.EmergencyState(emergency)
		return struct{}{}, nil
	})
	if err == sql.ErrNoRows {
		return nil, kerrors.New(kerrors.KindNotFound, fmt.Sprintf("no state for %s/gpio%d", deviceID, gpio))
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func scanActuatorConfig(row scannable, c *model.ActuatorConfig) error {
	var controlType string
	var critical, defaultState int
	var limitsJSON string

	err := row.Scan(&c.ID, &c.DeviceID, &c.GPIO, &c.ActuatorType, &controlType, &critical, &defaultState, &limitsJSON)
	if err != nil {
		return err
	}
	c.ControlType = model.ControlType(controlType)
	c.Critical = critical != 0
	c.DefaultState = defaultState != 0
	if limitsJSON != "" {
		if err := json.Unmarshal([]byte(limitsJSON), &c.SafetyLimits); err != nil {
			return fmt.Errorf("unmarshal safety limits: %w", err)
		}
	}
	return nil
}
