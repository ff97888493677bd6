package handlers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Auto-one-Family/kaiser-core/internal/events"
	"github.com/Auto-one-Family/kaiser-core/internal/kerrors"
	"github.com/Auto-one-Family/kaiser-core/internal/model"
)

func heartbeatTopic(deviceID string) string {
	return fmt.Sprintf("kaiser/god/esp/%s/system/heartbeat", deviceID)
}

func TestHeartbeat_UnknownDeviceDropped(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	h := NewHeartbeatHandler(deps)

	payload := []byte(`{"esp_id":"ESP_DEADBEEF","ts":1700000000,"uptime":12,"state":"running"}`)
	err := h.Handle(ctx, heartbeatTopic("ESP_DEADBEEF"), payload)
	if !kerrors.Is(err, kerrors.KindUnknownDevice) {
		t.Fatalf("error kind = %v, want unknown device", err)
	}

	entries, _ := deps.DB.Audit.Recent(ctx, 10)
	found := false
	for _, e := range entries {
		if e.EventType == "heartbeat_unknown_device" && e.Severity == model.SeverityInfo {
			found = true
		}
	}
	if !found {
		t.Fatal("unknown device heartbeat not audit-logged")
	}
}

func TestHeartbeat_UpdatesDevice(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	deps.DB.Devices.Create(ctx, "ESP_00000010", "god", nil)
	h := NewHeartbeatHandler(deps)

	sub := deps.Bus.Subscribe(8)
	defer deps.Bus.Unsubscribe(sub)

	payload := []byte(`{"esp_id":"ESP_00000010","ts":1700000000,"uptime":3600,"heap_free":40960,"wifi_rssi":-61,"sensor_count":3,"actuator_count":1,"state":"running"}`)
	if err := h.Handle(ctx, heartbeatTopic("ESP_00000010"), payload); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	d, err := deps.DB.Devices.GetByExternalID(ctx, "ESP_00000010")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if d.Status != model.DeviceOnline {
		t.Fatalf("status = %q, want online", d.Status)
	}
	if want := time.Unix(1700000000, 0).UTC(); !d.LastSeen.Equal(want) {
		t.Fatalf("last_seen = %v, want %v", d.LastSeen, want)
	}
	if d.HeapFree == nil || *d.HeapFree != 40960 {
		t.Fatalf("heap_free = %v, want 40960", d.HeapFree)
	}

	kinds := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-sub:
			kinds[e.Kind] = true
		default:
		}
	}
	if !kinds[events.KindESPHealth] || !kinds[events.KindESPStatus] {
		t.Fatalf("broadcast kinds = %v, want esp_health and esp_status", kinds)
	}
}

func TestHeartbeat_MismatchedID(t *testing.T) {
	ctx := context.Background()
	deps := newTestDeps(t)
	deps.DB.Devices.Create(ctx, "ESP_00000011", "god", nil)
	h := NewHeartbeatHandler(deps)

	payload := []byte(`{"esp_id":"ESP_SOMEONE_ELSE","ts":1700000000,"state":"running"}`)
	if err := h.Handle(ctx, heartbeatTopic("ESP_00000011"), payload); !kerrors.Is(err, kerrors.KindValidation) {
		t.Fatalf("error kind = %v, want validation", err)
	}
}
