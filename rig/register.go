package rig

import (
	"context"
	"fmt"

	"github.com/arloliu/go-gasrig/config"
	"github.com/arloliu/go-gasrig/transport"
)

// register is a configured value register of one device.
type register struct {
	id    uint8
	kind  string
	addr  uint16
	field transport.Field
}

func newRegister(id uint8, desc string, rc config.RegisterConfig) (register, error) {
	f, err := transport.ParseFormat(rc.Format)
	if err != nil {
		return register{}, fmt.Errorf("rig: %s register: %w", desc, err)
	}
	if f.Words() == 0 {
		return register{}, fmt.Errorf("rig: %s register: format %s is not a register format", desc, f)
	}

	return register{
		id:    id,
		kind:  rc.Kind,
		addr:  rc.Address,
		field: transport.Field{Description: desc, Format: f, Scale: rc.Scale},
	}, nil
}

func (reg register) request(port string) transport.Request {
	qty := uint16(reg.field.Format.Words())
	if reg.kind == "holding" {
		return transport.ReadHoldings(port, reg.id, reg.addr, qty, reg.field)
	}

	return transport.ReadInputs(port, reg.id, reg.addr, qty, reg.field)
}

// read performs one exchange and returns the register value.
func (reg register) read(ctx context.Context, r *Rig, port string) (float64, error) {
	resp, err := r.send(ctx, reg.request(port))
	if err != nil {
		return 0, err
	}

	return resp.Require(reg.field.Description)
}
