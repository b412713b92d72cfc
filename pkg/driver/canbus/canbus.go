// Package canbus implements a CAN bus driver for SLCAN serial
// adapters. Received frames are matched against the point table by CAN
// identifier and decoded through the signal codec; ReadPoint serves the
// last decoded value. Writes assemble a full frame with the value
// inserted at the point's bit position.
package canbus

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/opengrid/comsrv/pkg/codec"
	"github.com/opengrid/comsrv/pkg/config"
	"github.com/opengrid/comsrv/pkg/driver"
	"github.com/opengrid/comsrv/pkg/point"
)

// Type is the protocol-type tag.
const Type = "canbus"

const defaultBitrateCode = "S6" // 500 kbit/s

// Factory creates SLCAN drivers.
type Factory struct{}

func (Factory) Type() string { return Type }

func (Factory) Create(cfg config.ChannelConfig) (driver.Driver, error) {
	if cfg.Transport.Device == "" {
		return nil, fmt.Errorf("canbus channel %d: device is required", cfg.ID)
	}

	points, err := driver.BuildPoints(cfg)
	if err != nil {
		return nil, err
	}
	for _, def := range points {
		if def.Signal.BitLength == 0 {
			return nil, fmt.Errorf("canbus channel %d point %s: bit_length is required",
				cfg.ID, def.Address)
		}
	}

	baud := cfg.Transport.BaudRate
	if baud == 0 {
		baud = 115200
	}

	return &Bus{
		device: cfg.Transport.Device,
		baud:   baud,
		points: points,
		values: make(map[frameKey]float64),
		frames: make(map[uint32][]byte),
		diag:   make(map[string]uint64),
	}, nil
}

// frameKey identifies one signal inside one CAN frame.
type frameKey struct {
	FrameID  uint32
	StartBit uint32
}

// Bus is the SLCAN driver.
type Bus struct {
	device string
	baud   int
	points []driver.PointDef

	mu        sync.Mutex
	port      serial.Port
	connected bool
	running   bool
	cancel    context.CancelFunc

	valMu  sync.RWMutex
	values map[frameKey]float64
	frames map[uint32][]byte // last raw payload per frame, reused on write

	diagMu sync.Mutex
	diag   map[string]uint64
}

func (b *Bus) count(key string) {
	b.diagMu.Lock()
	b.diag[key]++
	b.diagMu.Unlock()
}

func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	port, err := serial.Open(b.device, &serial.Mode{BaudRate: b.baud})
	if err != nil {
		return errors.Wrapf(err, "canbus open %s", b.device)
	}

	b.port = port
	b.connected = true
	b.count("connects")

	recvCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.receiveLoop(recvCtx, port)
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	b.running = false
	if b.cancel != nil {
		b.cancel()
	}
	err := b.port.Close()
	b.port = nil
	return err
}

// Start configures the adapter bitrate and opens the CAN channel.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return driver.ErrNotConnected
	}
	if err := b.writeLine(defaultBitrateCode); err != nil {
		return err
	}
	if err := b.writeLine("O"); err != nil {
		return err
	}
	b.running = true
	return nil
}

func (b *Bus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		_ = b.writeLine("C")
	}
	b.running = false
	return nil
}

func (b *Bus) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bus) Status() driver.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return driver.StatusOnline
	}
	return driver.StatusOffline
}

func (b *Bus) AllPoints() []driver.PointDef {
	return b.points
}

func (b *Bus) Diagnostics() map[string]uint64 {
	b.diagMu.Lock()
	defer b.diagMu.Unlock()
	out := make(map[string]uint64, len(b.diag))
	for k, n := range b.diag {
		out[k] = n
	}
	return out
}

func (b *Bus) find(addr point.Address) (driver.PointDef, bool) {
	for _, d := range b.points {
		if d.Address == addr {
			return d, true
		}
	}
	return driver.PointDef{}, false
}

// ReadPoint serves the last decoded value for the point's signal. A
// signal that has not been seen on the bus yet reads as zero.
func (b *Bus) ReadPoint(ctx context.Context, addr point.Address) (float64, error) {
	def, ok := b.find(addr)
	if !ok {
		return 0, driver.ErrInvalidAddress
	}
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return 0, driver.ErrNotConnected
	}

	b.count("reads")
	b.valMu.RLock()
	defer b.valMu.RUnlock()
	return b.values[frameKey{uint32(def.Register), def.Signal.StartBit}], nil
}

// WritePoint transmits a frame for the point's CAN identifier with the
// value inserted at the signal's bit position. The rest of the payload
// keeps the last received content so sibling signals are preserved.
func (b *Bus) WritePoint(ctx context.Context, addr point.Address, value float64) error {
	def, ok := b.find(addr)
	if !ok {
		return driver.ErrInvalidAddress
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return driver.ErrNotConnected
	}

	id := uint32(def.Register)
	payload := make([]byte, 8)
	b.valMu.RLock()
	if last, ok := b.frames[id]; ok {
		copy(payload, last)
	}
	b.valMu.RUnlock()

	codec.InsertBits(payload, def.Signal.StartBit, def.Signal.BitLength, uint64(int64(value)))
	b.count("writes")
	return b.writeLine(encodeFrame(id, payload))
}

// writeLine sends one SLCAN command terminated by CR. Callers hold b.mu.
func (b *Bus) writeLine(cmd string) error {
	if b.port == nil {
		return driver.ErrNotConnected
	}
	if _, err := b.port.Write([]byte(cmd + "\r")); err != nil {
		b.count("write_errors")
		return errors.Wrap(err, "canbus write")
	}
	return nil
}

// receiveLoop reads CR-terminated SLCAN lines and folds data frames
// into the value cache.
func (b *Bus) receiveLoop(ctx context.Context, port serial.Port) {
	scanner := bufio.NewScanner(port)
	scanner.Split(scanCR)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		id, payload, err := parseFrame(line)
		if err != nil {
			b.count("framing_errors")
			continue
		}
		b.handleFrame(id, payload)
	}
}

func (b *Bus) handleFrame(id uint32, payload []byte) {
	b.valMu.Lock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	b.frames[id] = buf
	for _, def := range b.points {
		if uint32(def.Register) != id {
			continue
		}
		b.values[frameKey{id, def.Signal.StartBit}] = codec.ExtractSignal(payload, def.Signal)
	}
	b.valMu.Unlock()
	b.count("frames_received")
}

// scanCR splits on carriage returns, the SLCAN line terminator. BELL
// (error response) also terminates a token so errors surface as
// unparseable lines instead of stalling the scanner.
func scanCR(data []byte, atEOF bool) (int, []byte, error) {
	for i, c := range data {
		if c == '\r' || c == 0x07 {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseFrame decodes an SLCAN data frame: 't' with a 3-digit standard
// identifier or 'T' with an 8-digit extended identifier, then a length
// digit and the payload in hex.
func parseFrame(line string) (uint32, []byte, error) {
	var idLen int
	switch {
	case strings.HasPrefix(line, "t"):
		idLen = 3
	case strings.HasPrefix(line, "T"):
		idLen = 8
	default:
		return 0, nil, fmt.Errorf("not a data frame: %q", line)
	}
	if len(line) < 1+idLen+1 {
		return 0, nil, fmt.Errorf("short frame: %q", line)
	}

	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return 0, nil, errors.Wrap(err, "frame identifier")
	}
	dlc, err := strconv.Atoi(line[1+idLen : 1+idLen+1])
	if err != nil || dlc > 8 {
		return 0, nil, fmt.Errorf("bad dlc in %q", line)
	}
	hexData := line[1+idLen+1:]
	if len(hexData) != dlc*2 {
		return 0, nil, fmt.Errorf("payload length mismatch in %q", line)
	}
	payload, err := hex.DecodeString(hexData)
	if err != nil {
		return 0, nil, errors.Wrap(err, "frame payload")
	}
	return uint32(id), payload, nil
}

// encodeFrame renders an SLCAN data frame, choosing the standard or
// extended form by identifier range.
func encodeFrame(id uint32, payload []byte) string {
	if id <= 0x7FF {
		return fmt.Sprintf("t%03X%d%s", id, len(payload), strings.ToUpper(hex.EncodeToString(payload)))
	}
	return fmt.Sprintf("T%08X%d%s", id, len(payload), strings.ToUpper(hex.EncodeToString(payload)))
}
