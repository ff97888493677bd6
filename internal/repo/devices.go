package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/breaker"
	"github.com/Auto-one-Family/kaiser-core/internal/kerrors"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

// DeviceStore persists model.Device rows.
type DeviceStore struct {
	conn *sql.DB
	br   *breaker.Breaker[struct{}]
}

// GetByExternalID looks up a device by its external "ESP_..." identifier.
// Returns a kerrors.KindNotFound error if no row matches.
func (s *DeviceStore) GetByExternalID(ctx context.Context, deviceID string) (*model.Device, error) {
	var d model.Device
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		row := s.conn.QueryRowContext(ctx, `
			SELECT id, device_id, zone_id, kaiser_id, last_seen, status, heap_free, wifi_rssi
			FROM devices WHERE device_id = ?
		`, deviceID)
		return struct{}{}, scanDevice(row, &d)
	})
	if err == sql.ErrNoRows {
		return nil, kerrors.New(kerrors.KindNotFound, fmt.Sprintf("device %q not registered", deviceID))
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Create inserts a new device in the "pending" status.
func (s *DeviceStore) Create(ctx context.Context, deviceID, kaiserID string, zoneID *string) (*model.Device, error) {
	now := time.Now().UTC()
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		_, err := s.conn.ExecContext(ctx, `
			INSERT INTO devices (device_id, zone_id, kaiser_id, last_seen, status)
			VALUES (?, ?, ?, ?, ?)
		`, deviceID, zoneID, kaiserID, now.Format(time.RFC3339), model.DevicePending)
		return struct{}{}, err
	})
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}
	return s.GetByExternalID(ctx, deviceID)
}

// UpdateHeartbeat records a heartbeat observation and flips the device to
// online.
func (s *DeviceStore) UpdateHeartbeat(ctx context.Context, deviceID string, seenAt time.Time, heapFree *int64, wifiRSSI *int) error {
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		_, err := s.conn.ExecContext(ctx, `
			UPDATE devices SET last_seen = ?, status = ?, heap_free = ?, wifi_rssi = ?
			WHERE device_id = ?
		`, seenAt.Format(time.RFC3339), model.DeviceOnline, heapFree, wifiRSSI, deviceID)
		return struct{}{}, err
	})
	return err
}

// SetZone updates a device's zone assignment, acknowledged back from the
// field device on the zone/ack topic.
func (s *DeviceStore) SetZone(ctx context.Context, deviceID string, zoneID *string) error {
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		_, err := s.conn.ExecContext(ctx, `UPDATE devices SET zone_id = ? WHERE device_id = ?`, zoneID, deviceID)
		return struct{}{}, err
	})
	return err
}

// SetStatus transitions a device's derived status.
func (s *DeviceStore) SetStatus(ctx context.Context, deviceID string, status model.DeviceStatus) error {
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		_, err := s.conn.ExecContext(ctx, `UPDATE devices SET status = ? WHERE device_id = ?`, status, deviceID)
		return struct{}{}, err
	})
	return err
}

// ListStale returns devices whose last_seen is older than cutoff and whose
// status is not already the target status — used by the 180s timeout sweep.
func (s *DeviceStore) ListStale(ctx context.Context, cutoff time.Time, excludeStatus model.DeviceStatus) ([]*model.Device, error) {
	var out []*model.Device
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		rows, err := s.conn.QueryContext(ctx, `
			SELECT id, device_id, zone_id, kaiser_id, last_seen, status, heap_free, wifi_rssi
			FROM devices WHERE last_seen < ? AND status != ?
		`, cutoff.Format(time.RFC3339), excludeStatus)
		if err != nil {
			return struct{}{}, err
		}
		defer rows.Close()
		for rows.Next() {
			var d model.Device
			if err := scanDeviceRows(rows, &d); err != nil {
				return struct{}{}, err
			}
			out = append(out, &d)
		}
		return struct{}{}, rows.Err()
	})
	return out, err
}

// List returns every registered device.
func (s *DeviceStore) List(ctx context.Context) ([]*model.Device, error) {
	var out []*model.Device
	_, err := runBreaker(ctx, s.br, func() (struct{}, error) {
		rows, err := s.conn.QueryContext(ctx, `
			SELECT id, device_id, zone_id, kaiser_id, last_seen, status, heap_free, wifi_rssi FROM devices
		`)
		if err != nil {
			return struct{}{}, err
		}
		defer rows.Close()
		for rows.Next() {
			var d model.Device
			if err := scanDeviceRows(rows, &d); err != nil {
				return struct{}{}, err
			}
			out = append(out, &d)
		}
		return struct{}{}, rows.Err()
	})
	return out, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDevice(row scannable, d *model.Device) error {
	var zoneID sql.NullString
	var lastSeen string
	var status string
	var heapFree sql.NullInt64
	var wifiRSSI sql.NullInt64

	if err := row.Scan(&d.ID, &d.DeviceID, &zoneID, &d.KaiserID, &lastSeen, &status, &heapFree, &wifiRSSI); err != nil {
		return err
	}
	if zoneID.Valid {
		d.ZoneID = &zoneID.String
	}
	d.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
	d.Status = model.DeviceStatus(status)
	if heapFree.Valid {
		d.HeapFree = &heapFree.Int64
	}
	if wifiRSSI.Valid {
		v := int(wifiRSSI.Int64)
		d.WifiRSSI = &v
	}
	return nil
}

func scanDeviceRows(rows *sql.Rows, d *model.Device) error {
	return scanDevice(rows, d)
}
