package canbus

import (
	"context"
	"testing"

	"github.com/opengrid/comsrv/pkg/config"
	"github.com/opengrid/comsrv/pkg/point"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	cfg := config.ChannelConfig{
		ID:       5,
		Protocol: Type,
		Transport: config.TransportConfig{
			Device: "/dev/ttyACM0",
		},
		Points: []config.PointConfig{
			{ID: 1, Type: "m", Register: 0x123, DataType: "u16", StartBit: 0, BitLength: 16, Enabled: true},
			{ID: 2, Type: "s", Register: 0x123, DataType: "bool", StartBit: 16, BitLength: 1, Enabled: true},
			{ID: 3, Type: "m", Register: 0x200, DataType: "s16", StartBit: 8, BitLength: 12, Signed: true, Enabled: true},
		},
	}
	d, err := Factory{}.Create(cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return d.(*Bus)
}

func TestFactoryRequiresDevice(t *testing.T) {
	_, err := Factory{}.Create(config.ChannelConfig{ID: 1, Protocol: Type})
	if err == nil {
		t.Fatal("expected error for missing device")
	}
}

func TestFactoryRequiresBitLength(t *testing.T) {
	cfg := config.ChannelConfig{
		ID:        1,
		Protocol:  Type,
		Transport: config.TransportConfig{Device: "/dev/ttyACM0"},
		Points: []config.PointConfig{
			{ID: 1, Type: "m", Register: 0x100, DataType: "u16", Enabled: true},
		},
	}
	if _, err := (Factory{}).Create(cfg); err == nil {
		t.Fatal("expected error for missing bit_length")
	}
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantID  uint32
		wantLen int
		wantErr bool
	}{
		{"standard", "t12320102", 0x123, 2, false},
		{"extended", "T000012342A1B2", 0x1234, 2, false},
		{"remote frame", "r1230", 0, 0, true},
		{"short", "t12", 0, 0, true},
		{"dlc mismatch", "t123401", 0, 0, true},
		{"bad hex", "t1231ZZ", 0, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, payload, err := parseFrame(tc.line)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseFrame(%q) succeeded, want error", tc.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFrame(%q): %v", tc.line, err)
			}
			if id != tc.wantID || len(payload) != tc.wantLen {
				t.Fatalf("got id=%#x len=%d, want id=%#x len=%d", id, len(payload), tc.wantID, tc.wantLen)
			}
		})
	}
}

func TestEncodeFrame(t *testing.T) {
	if got := encodeFrame(0x123, []byte{0x01, 0xAB}); got != "t123201AB" {
		t.Fatalf("standard frame = %q", got)
	}
	if got := encodeFrame(0x1ABCDE, []byte{0xFF}); got != "T001ABCDE1FF" {
		t.Fatalf("extended frame = %q", got)
	}
}

func TestHandleFrameDecodesSignals(t *testing.T) {
	b := testBus(t)

	// u16 at bits 0..15 little-endian by bit numbering, bool at bit 16.
	b.handleFrame(0x123, []byte{0x34, 0x12, 0x01})

	b.valMu.RLock()
	defer b.valMu.RUnlock()
	if got := b.values[frameKey{0x123, 0}]; got != float64(0x1234) {
		t.Fatalf("u16 signal = %v, want %v", got, float64(0x1234))
	}
	if got := b.values[frameKey{0x123, 16}]; got != 1 {
		t.Fatalf("bool signal = %v, want 1", got)
	}
}

func TestHandleFrameSignedSignal(t *testing.T) {
	b := testBus(t)

	// 12-bit signed field at bit 8 holding -5 (0xFFB).
	b.handleFrame(0x200, []byte{0x00, 0xFB, 0x0F})

	b.valMu.RLock()
	got := b.values[frameKey{0x200, 8}]
	b.valMu.RUnlock()
	if got != -5 {
		t.Fatalf("signed signal = %v, want -5", got)
	}
}

func TestHandleFrameIgnoresOtherIDs(t *testing.T) {
	b := testBus(t)
	b.handleFrame(0x7FF, []byte{0xFF, 0xFF})
	b.valMu.RLock()
	defer b.valMu.RUnlock()
	if len(b.values) != 0 {
		t.Fatalf("values = %v, want empty", b.values)
	}
}

func TestScanCRSplitsOnBell(t *testing.T) {
	adv, token, err := scanCR([]byte("t1231AA\rt"), false)
	if err != nil || adv != 8 || string(token) != "t1231AA" {
		t.Fatalf("adv=%d token=%q err=%v", adv, token, err)
	}
	adv, token, err = scanCR([]byte{0x07, 't'}, false)
	if err != nil || adv != 1 || len(token) != 0 {
		t.Fatalf("bell: adv=%d token=%q err=%v", adv, token, err)
	}
}

func TestReadPointUnknownAddress(t *testing.T) {
	b := testBus(t)
	_, err := b.ReadPoint(context.Background(), point.Address{ChannelID: 5, Type: point.Telemetry, ID: 99})
	if err == nil {
		t.Fatal("expected error for unknown address")
	}
}
