// Package scheduler drives each channel's read/write cadence: the
// Poller runs the per-channel polling loop with batch read windowing,
// and the Batcher coalesces outbound commands into protocol-efficient
// batches.
package scheduler

import (
	"github.com/google/uuid"

	"github.com/opengrid/comsrv/pkg/driver"
	"github.com/opengrid/comsrv/pkg/point"
)

// OpCode is the wire operation a command maps to. Commands are grouped
// by (unit, opcode) while pending so one flush never mixes operations.
type OpCode uint8

const (
	// OpWriteRegister writes one or more holding registers.
	OpWriteRegister OpCode = iota
	// OpWriteCoil writes a single digital output.
	OpWriteCoil
)

// Command is one pending outbound write.
type Command struct {
	// ID identifies the command across the cache, queue and logs.
	ID string

	// Address is the protocol-agnostic target point.
	Address point.Address

	// Unit is the sub-address (slave id, common address).
	Unit byte

	// Op selects the wire operation.
	Op OpCode

	// Register is the wire register the write lands on.
	Register uint16

	// Value is the processed engineering value requested by the caller.
	Value float64

	// Raw is the wire value after the inverse scaling transform.
	Raw float64

	// Data is the encoded register payload.
	Data []byte

	// DataType and ByteOrder tag the encoding for diagnostics and
	// consecutive-batch checks.
	DataType  driver.DataType
	ByteOrder uint8
}

// NewCommand builds a command for a point definition, applying the
// inverse value transform and wire encoding.
func NewCommand(def driver.PointDef, value float64) Command {
	raw := point.EncodeWrite(def.Address.Type, def.Scaling, value)

	op := OpWriteRegister
	if def.DataType == driver.TypeBool {
		op = OpWriteCoil
	}

	return Command{
		ID:        uuid.New().String(),
		Address:   def.Address,
		Unit:      def.Unit,
		Op:        op,
		Register:  def.Register,
		Value:     value,
		Raw:       raw,
		Data:      driver.EncodeValue(def, raw),
		DataType:  def.DataType,
		ByteOrder: uint8(def.ByteOrder),
	}
}

// groupKey is the pending-set grouping of a command.
type groupKey struct {
	Unit byte
	Op   OpCode
}

// isStrictlyConsecutive reports whether the sorted commands form one
// gap-free register run: each command must start exactly where the
// previous one ended, per its data type's register width. Only such
// runs may use a single write-many wire operation.
func isStrictlyConsecutive(cmds []Command) bool {
	if len(cmds) < 2 {
		return len(cmds) == 1
	}
	expected := cmds[0].Register
	for _, c := range cmds {
		if c.Register != expected {
			return false
		}
		expected += c.DataType.RegisterWidth()
	}
	return true
}
