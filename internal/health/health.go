// Package health tracks device liveness. Status is derived from each
// device's last heartbeat at observation time; the Sweeper runs on the
// scheduler to turn silent devices into warning/offline transitions,
// emitting each transition exactly once.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Auto-one-Family/kaiser-core/internal/clock"
	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/metrics"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
	"github.com/Auto-one-Family/kaiser-core/internal/repo"
)

// Thresholds holds the two heartbeat ages that bound the online and
// warning states.
type Thresholds struct {
	// HeartbeatInterval is the device firmware's heartbeat period.
	// A device is online while its last heartbeat is younger than twice
	// this interval.
	HeartbeatInterval time.Duration
	// OfflineAfter is the age past which a device is offline; between
	// 2×HeartbeatInterval and this bound the device is in warning.
	OfflineAfter time.Duration
}

func (t Thresholds) withDefaults() Thresholds {
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = 60 * time.Second
	}
	if t.OfflineAfter <= 0 {
		t.OfflineAfter = 180 * time.Second
	}
	return t
}

// DeriveStatus computes a device's online state from its last heartbeat.
func DeriveStatus(lastSeen, now time.Time, t Thresholds) model.DeviceStatus {
	t = t.withDefaults()
	age := now.Sub(lastSeen)
	switch {
	case age < 2*t.HeartbeatInterval:
		return model.DeviceOnline
	case age < t.OfflineAfter:
		return model.DeviceWarning
	default:
		return model.DeviceOffline
	}
}

// Sweeper periodically reconciles each device's stored status with its
// derived status, broadcasting and auditing every transition once.
type Sweeper struct {
	db         *repo.DB
	bus        *events.Bus
	clock      clock.Clock
	logger     *slog.Logger
	thresholds Thresholds
}

// NewSweeper creates a Sweeper.
func NewSweeper(db *repo.DB, bus *events.Bus, clk clock.Clock, logger *slog.Logger, t Thresholds) *Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{db: db, bus: bus, clock: clk, logger: logger, thresholds: t.withDefaults()}
}

// Sweep walks the fleet once. A device whose derived status differs from
// its stored status gets the stored status updated, an event on the bus,
// and (for offline transitions) an audit entry. Because the stored
// status gates the emission, a device that stays offline produces no
// repeat events on later sweeps.
func (s *Sweeper) Sweep(ctx context.Context) error {
	devices, err := s.db.Devices.List(ctx)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	counts := map[model.DeviceStatus]int{}
	for _, d := range devices {
		derived := DeriveStatus(d.LastSeen, now, s.thresholds)
		counts[derived]++
		if derived == d.Status {
			continue
		}
		// Pending/error are set by registration and diagnostics, not by
		// heartbeat age; the sweep only moves devices between the three
		// liveness states.
		if d.Status == model.DevicePending || d.Status == model.DeviceError {
			if derived != model.DeviceOffline {
				continue
			}
		}
		if err := s.db.Devices.SetStatus(ctx, d.DeviceID, derived); err != nil {
			s.logger.Error("health: status update failed", "device_id", d.DeviceID, "error", err)
			continue
		}
		s.emitTransition(ctx, d, derived, now)
	}

	for _, st := range []model.DeviceStatus{model.DeviceOnline, model.DeviceWarning, model.DeviceOffline} {
		metrics.DevicesByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return nil
}

func (s *Sweeper) emitTransition(ctx context.Context, d *model.Device, derived model.DeviceStatus, now time.Time) {
	s.logger.Info("device status transition",
		"device_id", d.DeviceID, "from", d.Status, "to", derived,
		"last_seen", d.LastSeen.Format(time.RFC3339))

	kind := events.KindESPStatus
	if derived == model.DeviceOffline {
		kind = events.KindESPOffline
	}
	s.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceHealthHandler,
		Kind:      kind,
		DeviceID:  d.DeviceID,
		Data: map[string]any{
			"device_id": d.DeviceID,
			"status":    derived,
			"last_seen": d.LastSeen.Unix(),
		},
	})

	if derived != model.DeviceOffline {
		return
	}
	err := s.db.Audit.Append(ctx, &model.AuditLog{
		Timestamp: now,
		EventType: "device_offline",
		DeviceID:  d.DeviceID,
		Severity:  model.SeverityWarning,
		Details: map[string]any{
			"last_seen":     d.LastSeen.Format(time.RFC3339),
			"last_seen_ago": humanize.RelTime(d.LastSeen, now, "ago", "from now"),
		},
	})
	if err != nil {
		s.logger.Error("health: audit append failed", "device_id", d.DeviceID, "error", err)
	}
}

// SweepStaleSensors flags sensors whose latest reading is older than
// their configured timeout, auditing each quiet sensor once per
// quality transition by checking the stored reading's quality.
func (s *Sweeper) SweepStaleSensors(ctx context.Context) error {
	configs, err := s.db.Sensors.ListEnabled(ctx)
	if err != nil {
		return err
	}
	latest, err := s.db.Sensors.LatestBatch(ctx)
	if err != nil {
		return err
	}

	type key struct {
		device string
		gpio   int
	}
	byKey := make(map[key]*model.SensorReading, len(latest))
	for _, r := range latest {
		byKey[key{r.DeviceID, r.GPIO}] = r
	}

	now := s.clock.Now()
	for _, cfg := range configs {
		if cfg.TimeoutSec <= 0 || cfg.OperatingMode == model.ModePaused {
			continue
		}
		r, ok := byKey[key{cfg.DeviceID, cfg.GPIO}]
		if !ok || r.Quality == model.QualitySuspect {
			continue
		}
		if now.Sub(r.Timestamp) <= time.Duration(cfg.TimeoutSec)*time.Second {
			continue
		}

		stale := *r
		stale.Timestamp = now
		stale.Quality = model.QualitySuspect
		stale.Source = r.Source
		if err := s.db.Sensors.SaveReading(ctx, &stale); err != nil {
			s.logger.Error("health: mark sensor suspect failed", "device_id", cfg.DeviceID, "gpio", cfg.GPIO, "error", err)
			continue
		}
		gpio := cfg.GPIO
		s.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceHealthHandler,
			Kind:      events.KindSensorData,
			DeviceID:  cfg.DeviceID,
			GPIO:      &gpio,
			Data: map[string]any{
				"device_id":   cfg.DeviceID,
				"gpio":        cfg.GPIO,
				"sensor_type": cfg.SensorType,
				"quality":     model.QualitySuspect,
				"ts":          now.Unix(),
			},
		})
		s.logger.Warn("sensor stale", "device_id", cfg.DeviceID, "gpio", cfg.GPIO,
			"last_reading", r.Timestamp.Format(time.RFC3339), "timeout_sec", cfg.TimeoutSec)
	}
	return nil
}
