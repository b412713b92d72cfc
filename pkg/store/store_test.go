package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/opengrid/comsrv/pkg/point"
)

func newTestStore(t *testing.T) (*PointStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(rdb, nil)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestKey(t *testing.T) {
	if got := Key(12, point.Telemetry); got != "comsrv:12:m" {
		t.Errorf("Key = %q", got)
	}
	if got := Key(1, point.Control); got != "comsrv:1:c" {
		t.Errorf("Key = %q", got)
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{12, "12.000000"},
		{0.1, "0.100000"},
		{-3.14159265, "-3.141593"},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSetGetPoint(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.SetPoint(ctx, 1, point.Telemetry, 5, 23.5); err != nil {
		t.Fatalf("SetPoint: %v", err)
	}

	got, err := s.GetPoint(ctx, 1, point.Telemetry, 5)
	if err != nil {
		t.Fatalf("GetPoint: %v", err)
	}
	if got != 23.5 {
		t.Errorf("GetPoint = %v, want 23.5", got)
	}

	// Stored form is the fixed 6-decimal string.
	raw := mr.HGet("comsrv:1:m", "5")
	if raw != "23.500000" {
		t.Errorf("stored value = %q, want %q", raw, "23.500000")
	}

	if _, err := s.GetPoint(ctx, 1, point.Telemetry, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing point error = %v, want ErrNotFound", err)
	}
}

func TestLastWriteWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, v := range []float64{1, 2, 3} {
		if err := s.SetPoint(ctx, 2, point.Adjustment, 1, v); err != nil {
			t.Fatalf("SetPoint: %v", err)
		}
	}
	got, err := s.GetPoint(ctx, 2, point.Adjustment, 1)
	if err != nil {
		t.Fatalf("GetPoint: %v", err)
	}
	if got != 3 {
		t.Errorf("GetPoint = %v, want the last write 3", got)
	}
}

func TestSetPointsAndSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	writes := []Write{
		{ChannelID: 4, Type: point.Signal, PointID: 1, Value: 1, Timestamp: time.Now()},
		{ChannelID: 4, Type: point.Signal, PointID: 2, Value: 0, Timestamp: time.Now()},
		{ChannelID: 4, Type: point.Telemetry, PointID: 1, Value: 99.9, Timestamp: time.Now()},
	}
	if err := s.SetPoints(ctx, writes); err != nil {
		t.Fatalf("SetPoints: %v", err)
	}

	snap, err := s.GetChannelPoints(ctx, 4, point.Signal)
	if err != nil {
		t.Fatalf("GetChannelPoints: %v", err)
	}
	if len(snap) != 2 || snap[1] != 1 || snap[2] != 0 {
		t.Errorf("snapshot = %v", snap)
	}

	got, err := s.GetPoints(ctx, []point.Address{
		{ChannelID: 4, Type: point.Telemetry, ID: 1},
		{ChannelID: 4, Type: point.Telemetry, ID: 42}, // absent
	})
	if err != nil {
		t.Fatalf("GetPoints: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("GetPoints = %v, want one present value", got)
	}
}

func TestSetPointsPublishesEachWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sub := s.Subscribe(ctx, 5, point.Telemetry)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Batched writes go out in one pipeline; each one still carries
	// its own publish.
	writes := []Write{
		{ChannelID: 5, Type: point.Telemetry, PointID: 1, Value: 1.5, Timestamp: time.Now()},
		{ChannelID: 5, Type: point.Telemetry, PointID: 2, Value: 2.5, Timestamp: time.Now()},
	}
	if err := s.SetPoints(ctx, writes); err != nil {
		t.Fatalf("SetPoints: %v", err)
	}

	seen := make(map[int]bool)
	for len(seen) < 2 {
		select {
		case msg := <-sub.Channel():
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				t.Fatalf("payload %q: %v", msg.Payload, err)
			}
			seen[ev.PointID] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("events received = %v, want both points", seen)
		}
	}
}

func TestPublishOnWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sub := s.Subscribe(ctx, 1, point.Control)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil { // subscription confirmation
		t.Fatalf("subscribe: %v", err)
	}

	if err := s.SetPoint(ctx, 1, point.Control, 1, 1); err != nil {
		t.Fatalf("SetPoint: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Channel != "comsrv:1:c" {
			t.Errorf("publish topic = %q", msg.Channel)
		}
		if !strings.Contains(msg.Payload, `"point_id":1`) || !strings.Contains(msg.Payload, `"value":"1.000000"`) {
			t.Errorf("payload = %s", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no publish event received")
	}
}

func TestDeleteChannel(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.SetPoint(ctx, 9, point.Telemetry, 1, 5); err != nil {
		t.Fatalf("SetPoint: %v", err)
	}
	if err := s.DeleteChannel(ctx, 9); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if mr.Exists("comsrv:9:m") {
		t.Error("channel hash should be gone")
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_ = s.SetPoint(ctx, 1, point.Telemetry, 1, 1)
	_, _ = s.GetPoint(ctx, 1, point.Telemetry, 1)

	st := s.Stats()
	if st.Writes != 1 || st.Reads != 1 {
		t.Errorf("stats = %+v", st)
	}
}
