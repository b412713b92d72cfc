// Package driver defines the uniform capability every wire-protocol
// implementation exposes to the rest of the gateway: lifecycle,
// point read/write, status and diagnostics. The core never inspects
// which concrete protocol sits behind the interface.
package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/opengrid/comsrv/pkg/codec"
	"github.com/opengrid/comsrv/pkg/config"
	"github.com/opengrid/comsrv/pkg/point"
)

// Driver errors. ProtocolError carries detail and is matched with
// errors.As; the rest are sentinels matched with errors.Is.
var (
	ErrNotConnected   = errors.New("driver not connected")
	ErrTimeout        = errors.New("operation timed out")
	ErrInvalidAddress = errors.New("invalid point address")
)

// ProtocolError is a malformed or rejected protocol exchange.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Detail)
}

// NeedsReconnect classifies an error: connection-level failures call
// for a reconnect, per-request failures for a simple retry.
func NeedsReconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTimeout) {
		return true
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, ErrInvalidAddress) {
		return false
	}
	// Unclassified errors are treated as connection loss; the retry
	// budget still bounds how often this reconnects.
	return true
}

// Status is the externally visible channel health.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusOnline
	StatusOffline
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// DataType is the wire representation of a point value.
type DataType uint8

const (
	TypeBool DataType = iota
	TypeU16
	TypeS16
	TypeU32
	TypeS32
	TypeU64
	TypeS64
	TypeF32
	TypeF64
)

// RegisterWidth returns the number of 16-bit registers the type
// occupies: 1 for 16-bit and boolean types, 2 for 32-bit, 4 for 64-bit.
func (d DataType) RegisterWidth() uint16 {
	switch d {
	case TypeU32, TypeS32, TypeF32:
		return 2
	case TypeU64, TypeS64, TypeF64:
		return 4
	default:
		return 1
	}
}

// ParseDataType maps a configuration tag to a DataType. Unknown tags
// default to u16.
func ParseDataType(s string) DataType {
	switch s {
	case "bool", "bit":
		return TypeBool
	case "s16", "int16":
		return TypeS16
	case "u32", "uint32":
		return TypeU32
	case "s32", "int32":
		return TypeS32
	case "u64", "uint64":
		return TypeU64
	case "s64", "int64":
		return TypeS64
	case "f32", "float32", "float":
		return TypeF32
	case "f64", "float64", "double":
		return TypeF64
	default:
		return TypeU16
	}
}

// PointDef is one entry of a driver's point table: the mapping from a
// protocol-agnostic address to its wire location and decoding rules.
type PointDef struct {
	Address   point.Address
	Register  uint16
	Unit      byte
	DataType  DataType
	ByteOrder codec.ByteOrder
	Scaling   point.ScalingRule
	Signal    codec.Signal // set for bit-packed fields
	Enabled   bool
}

// Driver is the capability every protocol implementation satisfies.
// Implementations must be safe for concurrent use: the polling loop
// and the command batcher may interleave reads and writes.
type Driver interface {
	// Connect establishes the wire connection.
	Connect(ctx context.Context) error

	// Disconnect tears down the wire connection and frees resources.
	Disconnect() error

	// Start enables cyclic operation. Some protocols (IEC 104) send an
	// activation frame here; others treat it as a flag flip.
	Start(ctx context.Context) error

	// Stop disables cyclic operation.
	Stop() error

	// IsRunning reports whether Start has succeeded and Stop has not
	// been called since.
	IsRunning() bool

	// Status reports the driver's health.
	Status() Status

	// ReadPoint reads the raw wire value of one point.
	ReadPoint(ctx context.Context, addr point.Address) (float64, error)

	// WritePoint writes the raw wire value of one point.
	WritePoint(ctx context.Context, addr point.Address, value float64) error

	// AllPoints returns the driver's point table.
	AllPoints() []PointDef

	// Diagnostics returns free-form counters for observability.
	Diagnostics() map[string]uint64
}

// BlockReader is an optional capability: protocols with linear register
// address spaces can serve a windowed read of consecutive registers in
// one round-trip. The scheduler falls back to per-point reads when the
// driver does not implement it.
type BlockReader interface {
	ReadBlock(ctx context.Context, unit byte, start, quantity uint16) ([]byte, error)
}

// BlockWriter is the write-side counterpart used for strictly
// consecutive command batches.
type BlockWriter interface {
	WriteBlock(ctx context.Context, unit byte, start uint16, data []byte) error
}

// Factory creates driver instances for one protocol-type tag.
type Factory interface {
	// Type returns the protocol-type tag this factory serves.
	Type() string

	// Create builds a driver from channel configuration.
	Create(cfg config.ChannelConfig) (Driver, error)
}

// BuildPoints converts a channel's point configuration into a driver
// point table. Shared by all drivers so the config-to-table mapping
// stays in one place.
func BuildPoints(cfg config.ChannelConfig) ([]PointDef, error) {
	defs := make([]PointDef, 0, len(cfg.Points))
	for _, pc := range cfg.Points {
		typ, err := point.ParseType(pc.Type)
		if err != nil {
			return nil, fmt.Errorf("channel %d point %d: %w", cfg.ID, pc.ID, err)
		}

		dt := ParseDataType(pc.DataType)
		order := codec.ParseByteOrder(pc.ByteOrder)
		unit := pc.Unit
		if unit == 0 {
			unit = cfg.Transport.UnitID
		}

		def := PointDef{
			Address:   point.Address{ChannelID: cfg.ID, Type: typ, ID: pc.ID},
			Register:  pc.Register,
			Unit:      unit,
			DataType:  dt,
			ByteOrder: order,
			Scaling: point.ScalingRule{
				Scale:   pc.Scale,
				Offset:  pc.Offset,
				Reverse: pc.Reverse,
				Unit:    pc.Label,
			},
			Enabled: pc.Enabled,
		}
		if pc.BitLength > 0 {
			def.Signal = codec.Signal{
				StartBit:  pc.StartBit,
				BitLength: pc.BitLength,
				ByteOrder: order,
				Type:      signalType(dt),
				Signed:    pc.Signed,
				// Scaling is applied downstream by point.Process; the
				// codec signal itself stays 1:1.
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func signalType(dt DataType) codec.SignalType {
	switch dt {
	case TypeBool:
		return codec.SignalBool
	case TypeU64, TypeS64:
		return codec.SignalInt64
	case TypeF32:
		return codec.SignalFloat32
	case TypeF64:
		return codec.SignalFloat64
	default:
		return codec.SignalInt
	}
}
