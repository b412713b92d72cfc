// Package virtual implements a simulated protocol driver backed by an
// in-memory register table. It behaves like a well-behaved field
// device: reads return the register contents, writes land in them, and
// block operations work over the same linear address space. Used for
// commissioning and tests.
package virtual

import (
	"context"
	"sync"

	"github.com/opengrid/comsrv/pkg/config"
	"github.com/opengrid/comsrv/pkg/driver"
	"github.com/opengrid/comsrv/pkg/point"
)

// Type is the protocol-type tag.
const Type = "virtual"

// Factory creates virtual drivers.
type Factory struct{}

func (Factory) Type() string { return Type }

func (Factory) Create(cfg config.ChannelConfig) (driver.Driver, error) {
	points, err := driver.BuildPoints(cfg)
	if err != nil {
		return nil, err
	}
	return &Virtual{
		points:    points,
		registers: make(map[uint16]uint16),
		diag:      make(map[string]uint64),
	}, nil
}

// Virtual is the simulated driver.
type Virtual struct {
	mu        sync.RWMutex
	points    []driver.PointDef
	registers map[uint16]uint16
	connected bool
	running   bool
	diag      map[string]uint64
}

func (v *Virtual) Connect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = true
	v.diag["connects"]++
	return nil
}

func (v *Virtual) Disconnect() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = false
	v.running = false
	return nil
}

func (v *Virtual) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return driver.ErrNotConnected
	}
	v.running = true
	return nil
}

func (v *Virtual) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.running = false
	return nil
}

func (v *Virtual) IsRunning() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.running
}

func (v *Virtual) Status() driver.Status {
	v.mu.RLock()
	defer v.mu.RUnlock()
	switch {
	case v.running:
		return driver.StatusOnline
	case v.connected:
		return driver.StatusOffline
	default:
		return driver.StatusOffline
	}
}

func (v *Virtual) AllPoints() []driver.PointDef {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.points
}

func (v *Virtual) Diagnostics() map[string]uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]uint64, len(v.diag))
	for k, n := range v.diag {
		out[k] = n
	}
	return out
}

func (v *Virtual) find(addr point.Address) (driver.PointDef, bool) {
	for _, d := range v.points {
		if d.Address == addr {
			return d, true
		}
	}
	return driver.PointDef{}, false
}

func (v *Virtual) ReadPoint(ctx context.Context, addr point.Address) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return 0, driver.ErrNotConnected
	}
	def, ok := v.find(addr)
	if !ok {
		return 0, driver.ErrInvalidAddress
	}
	v.diag["reads"]++
	return driver.DecodeValue(def, v.registerBytes(def.Register, def.DataType.RegisterWidth())), nil
}

func (v *Virtual) WritePoint(ctx context.Context, addr point.Address, value float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return driver.ErrNotConnected
	}
	def, ok := v.find(addr)
	if !ok {
		return driver.ErrInvalidAddress
	}
	v.diag["writes"]++
	v.storeBytes(def.Register, driver.EncodeValue(def, value))
	return nil
}

// ReadBlock serves a windowed register read.
func (v *Virtual) ReadBlock(ctx context.Context, unit byte, start, quantity uint16) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return nil, driver.ErrNotConnected
	}
	v.diag["block_reads"]++
	return v.registerBytes(start, quantity), nil
}

// WriteBlock serves a consecutive multi-register write.
func (v *Virtual) WriteBlock(ctx context.Context, unit byte, start uint16, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return driver.ErrNotConnected
	}
	if len(data)%2 != 0 {
		return &driver.ProtocolError{Detail: "odd block length"}
	}
	v.diag["block_writes"]++
	v.storeBytes(start, data)
	return nil
}

// SetRegister seeds a register, for tests and simulations.
func (v *Virtual) SetRegister(reg, value uint16) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.registers[reg] = value
}

func (v *Virtual) registerBytes(start, quantity uint16) []byte {
	data := make([]byte, quantity*2)
	for i := uint16(0); i < quantity; i++ {
		val := v.registers[start+i]
		data[2*i] = byte(val >> 8)
		data[2*i+1] = byte(val)
	}
	return data
}

func (v *Virtual) storeBytes(start uint16, data []byte) {
	for i := 0; i+1 < len(data); i += 2 {
		v.registers[start+uint16(i/2)] = uint16(data[i])<<8 | uint16(data[i+1])
	}
}
