package modbus

import (
	"context"
	"errors"
	"testing"
	"time"

	gomodbus "github.com/goburrow/modbus"

	"github.com/opengrid/comsrv/pkg/config"
	"github.com/opengrid/comsrv/pkg/driver"
	"github.com/opengrid/comsrv/pkg/point"
)

// fakeClient records wire operations and serves canned register data.
type fakeClient struct {
	registers map[uint16]uint16
	coils     map[uint16]uint16
	singles   map[uint16]uint16
	multis    map[uint16][]byte
	err       error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		registers: make(map[uint16]uint16),
		coils:     make(map[uint16]uint16),
		singles:   make(map[uint16]uint16),
		multis:    make(map[uint16][]byte),
	}
}

func (f *fakeClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data := make([]byte, quantity*2)
	for i := uint16(0); i < quantity; i++ {
		val := f.registers[address+i]
		data[2*i] = byte(val >> 8)
		data[2*i+1] = byte(val)
	}
	return data, nil
}

func (f *fakeClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.coils[address] = value
	return nil, nil
}

func (f *fakeClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.singles[address] = value
	return nil, nil
}

func (f *fakeClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.multis[address] = append([]byte(nil), value...)
	return nil, nil
}

func (f *fakeClient) ReadCoils(address, quantity uint16) ([]byte, error)          { return nil, nil }
func (f *fakeClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) { return nil, nil }
func (f *fakeClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) { return nil, nil }
func (f *fakeClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeClient) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeClient) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeClient) ReadFIFOQueue(address uint16) ([]byte, error) { return nil, nil }

func tcpConfig() config.ChannelConfig {
	return config.ChannelConfig{
		ID:       3,
		Protocol: TCPType,
		Transport: config.TransportConfig{
			Host:   "10.0.0.8",
			Port:   502,
			UnitID: 2,
		},
		Points: []config.PointConfig{
			{ID: 1, Type: "m", Register: 100, DataType: "u16", Enabled: true},
			{ID: 2, Type: "c", Register: 200, DataType: "bool", Enabled: true},
			{ID: 3, Type: "a", Register: 210, DataType: "f32", ByteOrder: "CDAB", Enabled: true},
		},
	}
}

func testTCP(t *testing.T) (*TCP, *fakeClient) {
	t.Helper()
	d, err := TCPFactory{}.Create(tcpConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tcp := d.(*TCP)
	fake := newFakeClient()
	tcp.client = fake
	tcp.connected = true
	return tcp, fake
}

func TestTCPFactoryRequiresHost(t *testing.T) {
	_, err := TCPFactory{}.Create(config.ChannelConfig{ID: 1, Protocol: TCPType})
	if err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestRTUFactoryDefaults(t *testing.T) {
	cfg := config.ChannelConfig{
		ID:        1,
		Protocol:  RTUType,
		Transport: config.TransportConfig{Device: "/dev/ttyUSB0"},
	}
	d, err := RTUFactory{}.Create(cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h := d.(*RTU).handler.(*gomodbus.RTUClientHandler)
	if h.BaudRate != 9600 || h.DataBits != 8 || h.Parity != "N" || h.StopBits != 1 {
		t.Fatalf("serial defaults = %d/%d/%s/%d, want 9600/8/N/1",
			h.BaudRate, h.DataBits, h.Parity, h.StopBits)
	}
	if h.SlaveId != 1 {
		t.Fatalf("slave id = %d, want 1", h.SlaveId)
	}
}

func TestRTUFactoryRequiresDevice(t *testing.T) {
	_, err := RTUFactory{}.Create(config.ChannelConfig{ID: 1, Protocol: RTUType})
	if err == nil {
		t.Fatal("expected error for missing device")
	}
}

func TestReadPoint(t *testing.T) {
	tcp, fake := testTCP(t)
	fake.registers[100] = 1234

	got, err := tcp.ReadPoint(context.Background(), point.Address{ChannelID: 3, Type: point.Telemetry, ID: 1})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != 1234 {
		t.Fatalf("value = %v, want 1234", got)
	}
}

func TestWritePointCoil(t *testing.T) {
	tcp, fake := testTCP(t)

	addr := point.Address{ChannelID: 3, Type: point.Control, ID: 2}
	if err := tcp.WritePoint(context.Background(), addr, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if fake.coils[200] != coilOn {
		t.Fatalf("coil = %#x, want %#x", fake.coils[200], coilOn)
	}

	if err := tcp.WritePoint(context.Background(), addr, 0); err != nil {
		t.Fatalf("write off: %v", err)
	}
	if fake.coils[200] != 0 {
		t.Fatalf("coil = %#x, want de-energized", fake.coils[200])
	}
}

func TestWritePointWideTypeUsesMultiRegister(t *testing.T) {
	tcp, fake := testTCP(t)

	addr := point.Address{ChannelID: 3, Type: point.Adjustment, ID: 3}
	if err := tcp.WritePoint(context.Background(), addr, 2.5); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, ok := fake.multis[210]
	if !ok {
		t.Fatal("expected a multi-register write at 210")
	}
	if len(data) != 4 {
		t.Fatalf("payload = %d bytes, want 4", len(data))
	}
}

func TestReadPointNotConnected(t *testing.T) {
	d, err := TCPFactory{}.Create(tcpConfig())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = d.ReadPoint(context.Background(), point.Address{ChannelID: 3, Type: point.Telemetry, ID: 1})
	if !errors.Is(err, driver.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestBlockRoundTrip(t *testing.T) {
	tcp, fake := testTCP(t)
	ctx := context.Background()

	if err := tcp.WriteBlock(ctx, 2, 300, []byte{0x00, 0x07, 0x00, 0x08}); err != nil {
		t.Fatalf("write block: %v", err)
	}
	if len(fake.multis[300]) != 4 {
		t.Fatalf("block payload = %v", fake.multis[300])
	}

	fake.registers[100] = 7
	fake.registers[101] = 8
	data, err := tcp.ReadBlock(ctx, 2, 100, 2)
	if err != nil {
		t.Fatalf("read block: %v", err)
	}
	if data[1] != 7 || data[3] != 8 {
		t.Fatalf("block = %#v", data)
	}
}

func TestClassify(t *testing.T) {
	me := &gomodbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 2}
	var pe *driver.ProtocolError
	if !errors.As(classify(me), &pe) {
		t.Fatal("modbus exception must classify as ProtocolError")
	}

	if !errors.Is(classify(timeoutError{}), driver.ErrTimeout) {
		t.Fatal("net timeout must classify as ErrTimeout")
	}

	plain := errors.New("boom")
	if classify(plain) != plain {
		t.Fatal("unclassified errors pass through")
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestReadErrorsCountDiagnostics(t *testing.T) {
	tcp, fake := testTCP(t)
	fake.err = &gomodbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 3}

	_, err := tcp.ReadPoint(context.Background(), point.Address{ChannelID: 3, Type: point.Telemetry, ID: 1})
	if err == nil {
		t.Fatal("expected read error")
	}
	if tcp.Diagnostics()["read_errors"] != 1 {
		t.Fatal("read_errors counter not incremented")
	}
}

func TestTimeoutConfigured(t *testing.T) {
	cfg := tcpConfig()
	cfg.TimeoutMs = 750
	d, err := TCPFactory{}.Create(cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h := d.(*TCP).handler.(*gomodbus.TCPClientHandler)
	if h.Timeout != 750*time.Millisecond {
		t.Fatalf("timeout = %v, want 750ms", h.Timeout)
	}
}
