// Package modbus implements the Modbus TCP and RTU protocol drivers on
// top of goburrow/modbus. Reads come from holding registers with
// windowed block support; writes use single-register, multi-register
// and coil operations depending on the point's data type.
package modbus

import (
	"context"
	goerrors "errors"
	"net"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/pkg/errors"

	"github.com/opengrid/comsrv/pkg/driver"
	"github.com/opengrid/comsrv/pkg/point"
)

// coilOn is the wire encoding of an energized coil.
const coilOn = 0xFF00

// handler abstracts the TCP and RTU client handlers.
type handler interface {
	Connect() error
	Close() error
}

// base carries the state shared by the TCP and RTU variants.
type base struct {
	mu      sync.Mutex
	client  modbus.Client
	handler handler
	points  []driver.PointDef
	timeout time.Duration

	connected bool
	running   bool

	diagMu sync.Mutex
	diag   map[string]uint64
}

func newBase(points []driver.PointDef, timeout time.Duration) base {
	return base{
		points:  points,
		timeout: timeout,
		diag:    make(map[string]uint64),
	}
}

func (b *base) count(key string) {
	b.diagMu.Lock()
	b.diag[key]++
	b.diagMu.Unlock()
}

func (b *base) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if err := b.handler.Connect(); err != nil {
		return errors.Wrap(classify(err), "modbus connect")
	}
	b.connected = true
	b.count("connects")
	return nil
}

func (b *base) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	b.running = false
	return b.handler.Close()
}

func (b *base) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return driver.ErrNotConnected
	}
	b.running = true
	return nil
}

func (b *base) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	return nil
}

func (b *base) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *base) Status() driver.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.running:
		return driver.StatusOnline
	case b.connected:
		return driver.StatusOffline
	default:
		return driver.StatusOffline
	}
}

func (b *base) AllPoints() []driver.PointDef {
	return b.points
}

func (b *base) Diagnostics() map[string]uint64 {
	b.diagMu.Lock()
	defer b.diagMu.Unlock()
	out := make(map[string]uint64, len(b.diag))
	for k, n := range b.diag {
		out[k] = n
	}
	return out
}

func (b *base) find(addr point.Address) (driver.PointDef, bool) {
	for _, d := range b.points {
		if d.Address == addr {
			return d, true
		}
	}
	return driver.PointDef{}, false
}

// guard takes the wire lock after the usual preconditions. The
// goburrow client serializes on one connection, so wire operations are
// mutually exclusive; read and write paths arbitrate here.
func (b *base) guard(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, driver.ErrNotConnected
	}
	return b.mu.Unlock, nil
}

func (b *base) ReadPoint(ctx context.Context, addr point.Address) (float64, error) {
	def, ok := b.find(addr)
	if !ok {
		return 0, driver.ErrInvalidAddress
	}

	unlock, err := b.guard(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	b.count("reads")
	data, err := b.client.ReadHoldingRegisters(def.Register, def.DataType.RegisterWidth())
	if err != nil {
		b.count("read_errors")
		return 0, classify(err)
	}
	return driver.DecodeValue(def, data), nil
}

func (b *base) WritePoint(ctx context.Context, addr point.Address, value float64) error {
	def, ok := b.find(addr)
	if !ok {
		return driver.ErrInvalidAddress
	}

	unlock, err := b.guard(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	b.count("writes")
	switch def.DataType {
	case driver.TypeBool:
		var coil uint16
		if value != 0 {
			coil = coilOn
		}
		_, err = b.client.WriteSingleCoil(def.Register, coil)
	case driver.TypeU16, driver.TypeS16:
		_, err = b.client.WriteSingleRegister(def.Register, uint16(int64(value)))
	default:
		data := driver.EncodeValue(def, value)
		_, err = b.client.WriteMultipleRegisters(def.Register, def.DataType.RegisterWidth(), data)
	}
	if err != nil {
		b.count("write_errors")
		return classify(err)
	}
	return nil
}

// ReadBlock serves the scheduler's windowed reads from holding
// registers.
func (b *base) ReadBlock(ctx context.Context, unit byte, start, quantity uint16) ([]byte, error) {
	unlock, err := b.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b.count("block_reads")
	data, err := b.client.ReadHoldingRegisters(start, quantity)
	if err != nil {
		b.count("read_errors")
		return nil, classify(err)
	}
	return data, nil
}

// WriteBlock serves strictly consecutive command batches with one
// write-many operation.
func (b *base) WriteBlock(ctx context.Context, unit byte, start uint16, data []byte) error {
	unlock, err := b.guard(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	b.count("block_writes")
	_, err = b.client.WriteMultipleRegisters(start, uint16(len(data)/2), data)
	if err != nil {
		b.count("write_errors")
		return classify(err)
	}
	return nil
}

// classify maps wire errors onto the driver taxonomy: protocol
// exceptions are per-request, timeouts and broken connections call for
// reconnection.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var me *modbus.ModbusError
	if goerrors.As(err, &me) {
		return &driver.ProtocolError{Detail: me.Error()}
	}
	var ne net.Error
	if goerrors.As(err, &ne) && ne.Timeout() {
		return errors.Wrap(driver.ErrTimeout, err.Error())
	}
	return err
}
