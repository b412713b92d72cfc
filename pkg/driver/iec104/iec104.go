// Package iec104 implements a thin IEC 60870-5-104 client driver. It
// speaks the APDU subset the gateway needs: STARTDT activation,
// TESTFR keepalive, general interrogation, monitored single points and
// measured values in, single commands and setpoints out. Monitored
// data arrives spontaneously and is cached; ReadPoint serves from the
// cache.
package iec104

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/opengrid/comsrv/pkg/config"
	"github.com/opengrid/comsrv/pkg/driver"
	"github.com/opengrid/comsrv/pkg/point"
)

// Type is the protocol-type tag.
const Type = "iec104"

// APDU framing constants.
const (
	startByte   = 0x68
	maxAPDULen  = 253
	ackWindow   = 8 // unacknowledged I-frames before an S-frame ack
)

// Control field tags for U-frames.
const (
	uStartDTAct = 0x07
	uStartDTCon = 0x0B
	uStopDTAct  = 0x13
	uTestFRAct  = 0x43
	uTestFRCon  = 0x83
)

// ASDU type identifiers.
const (
	typeSinglePoint    = 1  // M_SP_NA_1
	typeNormalized     = 9  // M_ME_NA_1
	typeScaled         = 11 // M_ME_NB_1
	typeShortFloat     = 13 // M_ME_NC_1
	typeSingleCommand  = 45 // C_SC_NA_1
	typeSetpointFloat  = 50 // C_SE_NC_1
	typeInterrogation  = 100
)

// Cause of transmission values.
const (
	causeActivation = 6
	causeInrogen    = 20
)

// Factory creates IEC 104 drivers.
type Factory struct{}

func (Factory) Type() string { return Type }

func (Factory) Create(cfg config.ChannelConfig) (driver.Driver, error) {
	if cfg.Transport.Host == "" {
		return nil, fmt.Errorf("iec104 channel %d: host is required", cfg.ID)
	}

	points, err := driver.BuildPoints(cfg)
	if err != nil {
		return nil, err
	}

	commonAddr := uint16(cfg.Transport.UnitID)
	if commonAddr == 0 {
		commonAddr = 1
	}

	return &Client{
		addr:       cfg.Transport.Address(),
		commonAddr: commonAddr,
		timeout:    cfg.Timeout(),
		points:     points,
		values:     make(map[uint32]float64),
		diag:       make(map[string]uint64),
	}, nil
}

// Client is the IEC 104 driver.
type Client struct {
	addr       string
	commonAddr uint16
	timeout    time.Duration
	points     []driver.PointDef

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	running   bool
	sendSeq   uint16
	recvSeq   uint16
	unacked   int
	cancel    context.CancelFunc

	valMu  sync.RWMutex
	values map[uint32]float64 // keyed by information object address

	diagMu sync.Mutex
	diag   map[string]uint64
}

func (c *Client) count(key string) {
	c.diagMu.Lock()
	c.diag[key]++
	c.diagMu.Unlock()
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("iec104 dial %s: %w", c.addr, err)
	}

	c.conn = conn
	c.connected = true
	c.sendSeq = 0
	c.recvSeq = 0
	c.unacked = 0
	c.count("connects")

	recvCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.receiveLoop(recvCtx, conn)
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	c.running = false
	if c.cancel != nil {
		c.cancel()
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Start sends STARTDT activation followed by a general interrogation
// so the cache fills without waiting for spontaneous transmissions.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return driver.ErrNotConnected
	}
	if err := c.writeUFrame(uStartDTAct); err != nil {
		return err
	}
	if err := c.writeInterrogation(); err != nil {
		return err
	}
	c.running = true
	return nil
}

func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		// Best effort; the peer drops cyclic data either way.
		_ = c.writeUFrame(uStopDTAct)
	}
	c.running = false
	return nil
}

func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Client) Status() driver.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return driver.StatusOnline
	}
	return driver.StatusOffline
}

func (c *Client) AllPoints() []driver.PointDef {
	return c.points
}

func (c *Client) Diagnostics() map[string]uint64 {
	c.diagMu.Lock()
	defer c.diagMu.Unlock()
	out := make(map[string]uint64, len(c.diag))
	for k, n := range c.diag {
		out[k] = n
	}
	return out
}

func (c *Client) find(addr point.Address) (driver.PointDef, bool) {
	for _, d := range c.points {
		if d.Address == addr {
			return d, true
		}
	}
	return driver.PointDef{}, false
}

// ReadPoint serves the last monitored value for the point's object
// address. Monitored data is pushed by the station; a point that has
// not been reported yet reads as zero.
func (c *Client) ReadPoint(ctx context.Context, addr point.Address) (float64, error) {
	def, ok := c.find(addr)
	if !ok {
		return 0, driver.ErrInvalidAddress
	}
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return 0, driver.ErrNotConnected
	}

	c.valMu.RLock()
	defer c.valMu.RUnlock()
	c.count("reads")
	return c.values[uint32(def.Register)], nil
}

// WritePoint sends a single command for boolean points and a short
// floating point setpoint for the rest.
func (c *Client) WritePoint(ctx context.Context, addr point.Address, value float64) error {
	def, ok := c.find(addr)
	if !ok {
		return driver.ErrInvalidAddress
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return driver.ErrNotConnected
	}

	c.count("writes")
	ioa := uint32(def.Register)
	if def.DataType == driver.TypeBool {
		state := byte(0)
		if value != 0 {
			state = 1
		}
		return c.writeASDU(typeSingleCommand, causeActivation, ioa, []byte{state})
	}

	var buf [5]byte
	binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(float32(value)))
	// Trailing QOS byte: execute, no select.
	return c.writeASDU(typeSetpointFloat, causeActivation, ioa, buf[:])
}

// writeInterrogation sends a station-wide general interrogation.
func (c *Client) writeInterrogation() error {
	return c.writeASDU(typeInterrogation, causeActivation, 0, []byte{causeInrogen})
}

// writeASDU builds and sends one I-frame with a single information
// object. Callers hold c.mu.
func (c *Client) writeASDU(typeID byte, cause byte, ioa uint32, objData []byte) error {
	asdu := make([]byte, 0, 12+len(objData))
	asdu = append(asdu,
		typeID,
		0x01, // one information object, not sequential
		cause,
		0x00, // originator address
		byte(c.commonAddr), byte(c.commonAddr>>8),
		byte(ioa), byte(ioa>>8), byte(ioa>>16),
	)
	asdu = append(asdu, objData...)

	apdu := make([]byte, 0, 6+len(asdu))
	apdu = append(apdu, startByte, byte(4+len(asdu)))
	apdu = append(apdu,
		byte(c.sendSeq<<1), byte(c.sendSeq>>7),
		byte(c.recvSeq<<1), byte(c.recvSeq>>7),
	)
	apdu = append(apdu, asdu...)

	c.sendSeq = (c.sendSeq + 1) & 0x7FFF
	return c.write(apdu)
}

// writeUFrame sends an unnumbered control frame. Callers hold c.mu.
func (c *Client) writeUFrame(fn byte) error {
	return c.write([]byte{startByte, 0x04, fn, 0x00, 0x00, 0x00})
}

// writeSFrame acknowledges received I-frames. Callers hold c.mu.
func (c *Client) writeSFrame() error {
	return c.write([]byte{
		startByte, 0x04,
		0x01, 0x00,
		byte(c.recvSeq << 1), byte(c.recvSeq >> 7),
	})
}

func (c *Client) write(apdu []byte) error {
	if c.conn == nil {
		return driver.ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(apdu); err != nil {
		c.count("write_errors")
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return fmt.Errorf("iec104 write: %w", driver.ErrTimeout)
		}
		return err
	}
	return nil
}

// receiveLoop reads APDUs and feeds monitored values into the cache.
func (c *Client) receiveLoop(ctx context.Context, conn net.Conn) {
	header := make([]byte, 2)
	body := make([]byte, maxAPDULen)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
			return
		}
		if _, err := io.ReadFull(conn, header); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if header[0] != startByte {
			c.count("framing_errors")
			continue
		}
		n := int(header[1])
		if n < 4 || n > maxAPDULen {
			c.count("framing_errors")
			continue
		}
		if _, err := io.ReadFull(conn, body[:n]); err != nil {
			return
		}
		c.handleAPDU(body[:n])
	}
}

func (c *Client) handleAPDU(apdu []byte) {
	ctrl := apdu[0]

	// U-frame
	if ctrl&0x03 == 0x03 {
		if ctrl == uTestFRAct {
			c.mu.Lock()
			_ = c.writeUFrame(uTestFRCon)
			c.mu.Unlock()
		}
		if ctrl == uStartDTCon {
			c.count("startdt_confirmed")
		}
		return
	}

	// S-frame: a bare ack, nothing to do.
	if ctrl&0x03 == 0x01 {
		return
	}

	// I-frame: track the receive sequence and ack periodically.
	c.mu.Lock()
	c.recvSeq = (c.recvSeq + 1) & 0x7FFF
	c.unacked++
	if c.unacked >= ackWindow {
		_ = c.writeSFrame()
		c.unacked = 0
	}
	c.mu.Unlock()

	if len(apdu) < 10 {
		c.count("framing_errors")
		return
	}
	c.handleASDU(apdu[4:])
}

// handleASDU decodes monitored information objects into the value
// cache. Unknown types are counted and skipped, never fatal.
func (c *Client) handleASDU(asdu []byte) {
	typeID := asdu[0]
	numObjects := int(asdu[1] & 0x7F)
	sequential := asdu[1]&0x80 != 0

	const headerLen = 6 // type, qualifier, cause(2), common address(2)
	objWidth, ok := objectWidth(typeID)
	if !ok {
		c.count("unsupported_asdu")
		return
	}

	data := asdu[headerLen:]
	var baseIOA uint32
	for i := 0; i < numObjects; i++ {
		var ioa uint32
		var obj []byte
		if sequential {
			// One leading IOA, objects packed back to back.
			if i == 0 {
				if len(data) < 3 {
					return
				}
				baseIOA = decodeIOA(data)
				data = data[3:]
			}
			if len(data) < objWidth {
				return
			}
			ioa = baseIOA + uint32(i)
			obj = data[:objWidth]
			data = data[objWidth:]
		} else {
			if len(data) < 3+objWidth {
				return
			}
			ioa = decodeIOA(data)
			obj = data[3 : 3+objWidth]
			data = data[3+objWidth:]
		}

		val, ok := decodeObject(typeID, obj)
		if !ok {
			continue
		}
		c.valMu.Lock()
		c.values[ioa] = val
		c.valMu.Unlock()
		c.count("objects_received")
	}
}

func decodeIOA(data []byte) uint32 {
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
}

func objectWidth(typeID byte) (int, bool) {
	switch typeID {
	case typeSinglePoint:
		return 1, true
	case typeNormalized, typeScaled:
		return 3, true // value(2) + quality
	case typeShortFloat:
		return 5, true // value(4) + quality
	default:
		return 0, false
	}
}

func decodeObject(typeID byte, obj []byte) (float64, bool) {
	switch typeID {
	case typeSinglePoint:
		return float64(obj[0] & 0x01), true
	case typeNormalized, typeScaled:
		return float64(int16(binary.LittleEndian.Uint16(obj[:2]))), true
	case typeShortFloat:
		bits := binary.LittleEndian.Uint32(obj[:4])
		return float64(math.Float32frombits(bits)), true
	default:
		return 0, false
	}
}
