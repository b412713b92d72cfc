package modbus

import (
	"fmt"

	"github.com/goburrow/modbus"

	"github.com/opengrid/comsrv/pkg/config"
	"github.com/opengrid/comsrv/pkg/driver"
)

// TCPType is the protocol-type tag for Modbus TCP.
const TCPType = "modbus-tcp"

// TCPFactory creates Modbus TCP drivers.
type TCPFactory struct{}

func (TCPFactory) Type() string { return TCPType }

func (TCPFactory) Create(cfg config.ChannelConfig) (driver.Driver, error) {
	if cfg.Transport.Host == "" {
		return nil, fmt.Errorf("modbus-tcp channel %d: host is required", cfg.ID)
	}

	points, err := driver.BuildPoints(cfg)
	if err != nil {
		return nil, err
	}

	h := modbus.NewTCPClientHandler(cfg.Transport.Address())
	h.Timeout = cfg.Timeout()
	h.SlaveId = cfg.Transport.UnitID
	if h.SlaveId == 0 {
		h.SlaveId = 1
	}

	d := &TCP{base: newBase(points, cfg.Timeout())}
	d.handler = h
	d.client = modbus.NewClient(h)
	return d, nil
}

// TCP is the Modbus TCP driver.
type TCP struct {
	base
}
