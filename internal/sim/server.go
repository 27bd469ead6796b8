package sim

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/simonvetter/modbus"
)

// Serve exposes the device as a Modbus TCP server at url, for example
// tcp://127.0.0.1:5502. Injected faults reach the client as exception
// responses.
func (d *Device) Serve(url string) (*modbus.ModbusServer, error) {
	srv, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        url,
		Timeout:    30 * time.Second,
		MaxClients: 4,
	}, d)
	if err != nil {
		return nil, errors.Wrapf(err, "configuring simulator at %s", url)
	}
	if err := srv.Start(); err != nil {
		return nil, errors.Wrapf(err, "listening on %s", url)
	}
	return srv, nil
}

// HandleHoldingRegisters serves reads and writes from the register bank.
func (d *Device) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	ctx := context.Background()
	if req.IsWrite {
		for i, v := range req.Args {
			if err := d.WriteRegister(ctx, req.Addr+uint16(i), v); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	out := make([]uint16, req.Quantity)
	for i := range out {
		v, err := d.ReadHoldingRegister(ctx, req.Addr+uint16(i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// HandleCoils rejects coil access; the controller has none.
func (d *Device) HandleCoils(*modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (d *Device) HandleDiscreteInputs(*modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (d *Device) HandleInputRegisters(*modbus.InputRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}
