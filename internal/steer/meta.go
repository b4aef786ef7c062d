package steer

import (
	"context"

	"github.com/cloudmeshllc/pathsteer/internal/probe"
	"github.com/cloudmeshllc/pathsteer/internal/uplink"
)

// ModemMeta feeds LTE radio metrics from the persistent modem client.
type ModemMeta struct {
	Client *probe.ModemClient
}

func (m *ModemMeta) Refresh(ctx context.Context) (func(*uplink.Uplink), error) {
	sig, err := m.Client.Signal(ctx)
	if err != nil {
		return nil, err
	}
	return func(u *uplink.Uplink) {
		if u.LTE == nil {
			u.LTE = &uplink.LTEInfo{}
		}
		u.LTE.SignalPowerDBm = sig.SignalPowerDBm
		u.LTE.SINRDB = sig.SINRDB
		u.LTE.Carrier = sig.Carrier
		u.LTE.CellID = sig.CellID
	}, nil
}

// DishMeta feeds satellite dish state from the namespace-local RPC client.
type DishMeta struct {
	Client *probe.DishClient
}

func (m *DishMeta) Refresh(ctx context.Context) (func(*uplink.Uplink), error) {
	stats, err := m.Client.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return func(u *uplink.Uplink) {
		if u.Sat == nil {
			u.Sat = &uplink.SatInfo{}
		}
		u.Sat.Online = stats.Online
		u.Sat.Obstructed = stats.Obstructed
		u.Sat.ObstructionFraction = stats.ObstructionFraction
		u.Sat.DishLatencyMs = stats.DishLatencyMs
		u.Sat.ObstructionETASeconds = stats.ObstructionETASeconds
	}, nil
}
