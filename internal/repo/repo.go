// Package repo is the SQLite persistence layer. It opens a
// single *sql.DB (pure-Go driver, no cgo) and exposes one typed store per
// aggregate: Devices, Sensors, Actuators, Logic, Audit. Every store method
// that touches the database runs through a shared circuit breaker so a
// wedged database degrades callers the same way a wedged MQTT broker
// does.
package repo

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/Auto-one-Family/kaiser-core/internal/breaker"
)

// DB bundles the open connection and the per-aggregate stores built on it.
type DB struct {
	conn *sql.DB

	Devices   *DeviceStore
	Sensors   *SensorStore
	Actuators *ActuatorStore
	Logic     *LogicStore
	Audit     *AuditStore
}

// Open creates (or attaches to) the sqlite database at path, runs
// migrations, and wires every store. path may be ":memory:" for tests.
// An optional breaker configuration overrides the trip/reset defaults;
// its name is always "db_session".
func Open(path string, logger *slog.Logger, brCfg ...breaker.Config) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writers at the driver level; a single
	// connection avoids SQLITE_BUSY under concurrent handlers.
	conn.SetMaxOpenConns(1)

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	cfg := breaker.Config{}
	if len(brCfg) > 0 {
		cfg = brCfg[0]
	}
	cfg.Name = "db_session"
	br := breaker.New[struct{}](cfg, logger)

	return &DB{
		conn:      conn,
		Devices:   &DeviceStore{conn: conn, br: br},
		Sensors:   &SensorStore{conn: conn, br: br},
		Actuators: &ActuatorStore{conn: conn, br: br},
		Logic:     &LogicStore{conn: conn, br: br},
		Audit:     &AuditStore{conn: conn, br: br},
	}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id   TEXT NOT NULL UNIQUE,
			zone_id     TEXT,
			kaiser_id   TEXT NOT NULL,
			last_seen   TEXT NOT NULL,
			status      TEXT NOT NULL,
			heap_free   INTEGER,
			wifi_rssi   INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);

		CREATE TABLE IF NOT EXISTS sensor_configs (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id      TEXT NOT NULL,
			gpio           INTEGER NOT NULL,
			sensor_type    TEXT NOT NULL,
			name           TEXT NOT NULL DEFAULT '',
			enabled        INTEGER NOT NULL DEFAULT 1,
			pi_enhanced    INTEGER NOT NULL DEFAULT 0,
			operating_mode TEXT NOT NULL DEFAULT 'continuous',
			interval_ms    INTEGER NOT NULL DEFAULT 5000,
			timeout_sec    INTEGER NOT NULL DEFAULT 60,
			calibration_json TEXT NOT NULL DEFAULT '{}',
			threshold_min  REAL,
			threshold_max  REAL,
			threshold_warn REAL,
			UNIQUE(device_id, gpio)
		);

		CREATE TABLE IF NOT EXISTS sensor_readings (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id       TEXT NOT NULL,
			gpio            INTEGER NOT NULL,
			raw_value       REAL NOT NULL,
			processed_value REAL,
			unit            TEXT NOT NULL DEFAULT '',
			quality         TEXT NOT NULL,
			timestamp       TEXT NOT NULL,
			source          TEXT NOT NULL,
			error_code      TEXT NOT NULL DEFAULT '',
			UNIQUE(device_id, gpio, timestamp)
		);
		CREATE INDEX IF NOT EXISTS idx_readings_latest ON sensor_readings(device_id, gpio, timestamp DESC);

		CREATE TABLE IF NOT EXISTS actuator_configs (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id      TEXT NOT NULL,
			gpio           INTEGER NOT NULL,
			actuator_type  TEXT NOT NULL,
			control_type   TEXT NOT NULL,
			critical       INTEGER NOT NULL DEFAULT 0,
			default_state  INTEGER NOT NULL DEFAULT 0,
			safety_limits_json TEXT NOT NULL DEFAULT '{}',
			UNIQUE(device_id, gpio)
		);

		CREATE TABLE IF NOT EXISTS actuator_states (
			device_id        TEXT NOT NULL,
			gpio             INTEGER NOT NULL,
			state            INTEGER NOT NULL DEFAULT 0,
			pwm_value        REAL NOT NULL DEFAULT 0,
			last_command_ts  TEXT NOT NULL,
			emergency_state  TEXT NOT NULL DEFAULT 'normal',
			PRIMARY KEY (device_id, gpio)
		);

		CREATE TABLE IF NOT EXISTS logic_rules (
			id                       INTEGER PRIMARY KEY AUTOINCREMENT,
			name                     TEXT NOT NULL,
			enabled                  INTEGER NOT NULL DEFAULT 1,
			priority                 INTEGER NOT NULL DEFAULT 100,
			cooldown_sec             INTEGER NOT NULL DEFAULT 0,
			max_executions_per_hour  INTEGER NOT NULL DEFAULT 0,
			safety_critical          INTEGER NOT NULL DEFAULT 0,
			triggers_json            TEXT NOT NULL DEFAULT '[]',
			conditions_json          TEXT NOT NULL DEFAULT '{}',
			actions_json             TEXT NOT NULL DEFAULT '[]',
			last_executed            TEXT
		);

		CREATE TABLE IF NOT EXISTS rule_executions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id          INTEGER NOT NULL,
			timestamp        TEXT NOT NULL,
			trigger_json     TEXT NOT NULL DEFAULT '{}',
			actions_summary  TEXT NOT NULL DEFAULT '',
			success          INTEGER NOT NULL,
			duration_ms      INTEGER NOT NULL,
			error_message    TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_executions_rule ON rule_executions(rule_id, timestamp DESC);

		CREATE TABLE IF NOT EXISTS audit_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   TEXT NOT NULL,
			event_type  TEXT NOT NULL,
			device_id   TEXT NOT NULL DEFAULT '',
			gpio        INTEGER,
			severity    TEXT NOT NULL,
			details_json TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_audit_recent ON audit_log(timestamp DESC);
	`)
	return err
}

// runBreaker is the shared helper every store method routes through: it
// executes fn via br and translates an open-breaker rejection into a
// sentinel the caller can detect with errors.Is.
func runBreaker[T any](ctx context.Context, br *breaker.Breaker[T], fn func() (T, error)) (T, error) {
	return br.Execute(ctx, fn)
}
