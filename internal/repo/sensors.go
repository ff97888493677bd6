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

// SensorStore persists model.SensorConfig and model.SensorReading rows.
type SensorStore struct {
	conn *sql.DB
	br   *breaker.Breaker[struct{}]
}

// GetByDeviceAndGPIO looks up the config for one sensor. Returns a
// kerrors.KindNotFound error if unconfigured — callers treat this as
// "accept the raw reading, skip processing".
func (s *SensorStore) GetByDeviceAndGPIO(ctx context.Context, deviceID string, gpio int) (*model.SensorConfig, error) {
	var c model.SensorConfig
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		row := s.conn.QueryRowContext(ctx, `
			SELECT id, device_id, gpio, sensor_type, name, enabled, pi_enhanced, operating_mode,
			       interval_ms, timeout_sec, calibration_json, threshold_min, threshold_max, threshold_warn
			FROM sensor_configs WHERE device_id = ? AND gpio = ?
		`, deviceID, gpio)
		return struct{}{}, scanSensorConfig(row, &c)
	})
	if err == sql.ErrNoRows {
		return nil, kerrors.New(kerrors.KindNotFound, fmt.Sprintf("no sensor config for %s/gpio%d", deviceID, gpio))
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Upsert creates or replaces a sensor's configuration.
func (s *SensorStore) Upsert(ctx context.Context, c *model.SensorConfig) error {
	calJSON, err := json.Marshal(c.Calibration)
	if err != nil {
		return fmt.Errorf("marshal calibration: %w", err)
	}
	_, err = runBreaker(ctx, s.br, func() (struct{}, error) {
		_, err := s.conn.ExecContext(ctx, `
			INSERT INTO sensor_configs
				(device_id, gpio, sensor_type, name, enabled, pi_enhanced, operating_mode,
				 interval_ms, timeout_sec, calibration_json, threshold_min, threshold_max, threshold_warn)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id, gpio) DO UPDATE SET
				sensor_type = excluded.sensor_type,
				name = excluded.name,
				enabled = excluded.enabled,
				pi_enhanced = excluded.pi_enhanced,
				operating_mode = excluded.operating_mode,
				interval_ms = excluded.interval_ms,
				timeout_sec = excluded.timeout_sec,
				calibration_json = excluded.calibration_json,
				threshold_min = excluded.threshold_min,
				threshold_max = excluded.threshold_max,
				threshold_warn = excluded.threshold_warn
		`, c.DeviceID, c.GPIO, c.SensorType, c.Name, c.Enabled, c.PiEnhanced, c.OperatingMode,
			c.IntervalMs, c.TimeoutSec, string(calJSON), c.Thresholds.Min, c.Thresholds.Max, c.Thresholds.Warn)
		return struct{}{}, err
	})
	return err
}

// SaveReading inserts a reading. Idempotent on (device_id, gpio,
// timestamp): a republish of the same sample is a silent no-op rather
// than an error, so a retried publish after an offline-buffer replay
// can't double-count.
func (s *SensorStore) SaveReading(ctx context.Context, r *model.SensorReading) error {
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		_, err := s.conn.ExecContext(ctx, `
			INSERT INTO sensor_readings
				(device_id, gpio, raw_value, processed_value, unit, quality, timestamp, source, error_code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id, gpio, timestamp) DO NOTHING
		`, r.DeviceID, r.GPIO, r.RawValue, r.ProcessedValue, r.Unit, r.Quality,
			r.Timestamp.UTC().Format(time.RFC3339Nano), r.Source, r.ErrorCode)
		return struct{}{}, err
	})
	return err
}

// GetLatestReading returns the most recent reading for one (device_id,
// gpio), or nil if none exists yet. Used by the Logic Engine's threshold
// condition leaves that refer to a sensor other than the one that
// triggered evaluation.
func (s *SensorStore) GetLatestReading(ctx context.Context, deviceID string, gpio int) (*model.SensorReading, error) {
	var r model.SensorReading
	found := false
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		row := s.conn.QueryRowContext(ctx, `
			SELECT device_id, gpio, raw_value, processed_value, unit, quality, timestamp, source, error_code
			FROM sensor_readings WHERE device_id = ? AND gpio = ?
			ORDER BY timestamp DESC LIMIT 1
		`, deviceID, gpio)
		err := scanReading(row, &r)
		if err == sql.ErrNoRows {
			return struct{}{}, nil
		}
		if err == nil {
			found = true
		}
		return struct{}{}, err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &r, nil
}

// LatestBatch returns the most recent reading per (device_id, gpio) across
// every sensor, used to seed a freshly-connected websocket client and the
// stale-sensor sweep.
func (s *SensorStore) LatestBatch(ctx context.Context) ([]*model.SensorReading, error) {
	var out []*model.SensorReading
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		rows, err := s.conn.QueryContext(ctx, `
			SELECT sr.device_id, sr.gpio, sr.raw_value, sr.processed_value, sr.unit, sr.quality,
			       sr.timestamp, sr.source, sr.error_code
			FROM sensor_readings sr
			INNER JOIN (
				SELECT device_id, gpio, MAX(timestamp) AS max_ts
				FROM sensor_readings GROUP BY device_id, gpio
			) latest ON sr.device_id = latest.device_id AND sr.gpio = latest.gpio AND sr.timestamp = latest.max_ts
		`)
		if err != nil {
			return struct{}{}, err
		}
		defer rows.Close()
		for rows.Next() {
			var r model.SensorReading
			if err := scanReading(rows, &r); err != nil {
				return struct{}{}, err
			}
			out = append(out, &r)
		}
		return struct{}{}, rows.Err()
	})
	return out, err
}

// ListEnabled returns every enabled sensor config, used by the
// stale-sensor sweep to find sensors that have gone quiet past their
// configured timeout.
func (s *SensorStore) ListEnabled(ctx context.Context) ([]*model.SensorConfig, error) {
	var out []*model.SensorConfig
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		rows, err := s.conn.QueryContext(ctx, `
			SELECT id, device_id, gpio, sensor_type, name, enabled, pi_enhanced, operating_mode,
			       interval_ms, timeout_sec, calibration_json, threshold_min, threshold_max, threshold_warn
			FROM sensor_configs WHERE enabled = 1
		`)
		if err != nil {
			return struct{}{}, err
		}
		defer rows.Close()
		for rows.Next() {
			var c model.SensorConfig
			if err := scanSensorConfig(rows, &c); err != nil {
				return struct{}{}, err
			}
			out = append(out, &c)
		}
		return struct{}{}, rows.Err()
	})
	return out, err
}

func scanSensorConfig(row scannable, c *model.SensorConfig) error {
	var calJSON string
	var enabled, piEnhanced int
	var mode string

	err := row.Scan(&c.ID, &c.DeviceID, &c.GPIO, &c.SensorType, &c.Name, &enabled, &piEnhanced, &mode,
		&c.IntervalMs, &c.TimeoutSec, &calJSON, &c.Thresholds.Min, &c.Thresholds.Max, &c.Thresholds.Warn)
	if err != nil {
		return err
	}
	c.Enabled = enabled != 0
	c.PiEnhanced = piEnhanced != 0
	c.OperatingMode = model.OperatingMode(mode)
	if calJSON != "" {
		if err := json.Unmarshal([]byte(calJSON), &c.Calibration); err != nil {
			return fmt.Errorf("unmarshal calibration: %w", err)
		}
	}
	return nil
}

func scanReading(row scannable, r *model.SensorReading) error {
	var processed sql.NullFloat64
	var ts string

	err := row.Scan(&r.DeviceID, &r.GPIO, &r.RawValue, &processed, &r.Unit, &r.Quality, &ts, &r.Source, &r.ErrorCode)
	if err != nil {
		return err
	}
	if processed.Valid {
		r.ProcessedValue = &processed.Float64
	}
	r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	return nil
}

// PruneReadingsBefore deletes readings older than cutoff. Only the
// opt-in retention job calls this; the default configuration never does.
func (s *SensorStore) PruneReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		res, err := s.conn.ExecContext(ctx, `
			DELETE FROM sensor_readings WHERE timestamp < ?
		`, cutoff.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return struct{}{}, err
		}
		n, _ = res.RowsAffected()
		return struct{}{}, nil
	})
	return n, err
}
