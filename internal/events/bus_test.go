package events

import "testing"

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe(4)
	c := b.Subscribe(4)

	b.Publish(Event{Kind: KindSensorData, DeviceID: "ESP_1"})

	select {
	case e := <-a:
		if e.DeviceID != "ESP_1" {
			t.Errorf("got %+v", e)
		}
	default:
		t.Error("subscriber a received nothing")
	}
	select {
	case e := <-c:
		if e.DeviceID != "ESP_1" {
			t.Errorf("got %+v", e)
		}
	default:
		t.Error("subscriber c received nothing")
	}
}

func TestPublishDropsOnFullSubscriberWithoutBlocking(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Publish(Event{Kind: KindSensorData})
	b.Publish(Event{Kind: KindSensorData}) // channel now full; must not block

	if len(ch) != 1 {
		t.Errorf("channel len = %d, want 1 (second publish dropped)", len(ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}
}

func TestNilBusIsNoOp(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindSensorData})
	if b.SubscriberCount() != 0 {
		t.Error("nil bus SubscriberCount should be 0")
	}
}
