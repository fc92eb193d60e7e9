package registers

import (
	"context"

	"ecowatt/internal/protocol"
	"ecowatt/models"
	"ecowatt/telemetry/logging"
)

// DecodedValues carries the outcome of one acquisition. Count < len(regs)
// means the read failed or was partial; the caller must not emit a sample.
type DecodedValues struct {
	Count  int
	Values [models.MaxRegisters]uint16
}

// Acquirer plans the minimum window, issues a single read through the
// protocol adapter, and reorders the response into caller order.
type Acquirer struct {
	adapter *protocol.Adapter
	log     logging.Logger
}

func NewAcquirer(adapter *protocol.Adapter, log logging.Logger) *Acquirer {
	return &Acquirer{adapter: adapter, log: log}
}

// ReadRequest reads the registers named in regs. The window read returns
// values indexed by address; the result is re-ordered to match regs.
func (a *Acquirer) ReadRequest(ctx context.Context, regs []models.RegID) DecodedValues {
	var out DecodedValues
	if len(regs) == 0 || len(regs) > models.MaxRegisters {
		return out
	}
	win, err := PlanWindow(regs)
	if err != nil {
		a.log.WarnCtx(ctx, "acquisition plan failed", "err", err)
		return out
	}
	values, err := a.adapter.ReadRegisters(ctx, win.Start, win.Count)
	if err != nil {
		a.log.WarnCtx(ctx, "register read failed", "start", win.Start, "count", win.Count, "err", err)
		return out
	}
	if len(values) != int(win.Count) {
		a.log.WarnCtx(ctx, "short register read", "want", win.Count, "got", len(values))
		return out
	}
	for i, id := range regs {
		d, ok := Lookup(id)
		if !ok {
			return DecodedValues{}
		}
		out.Values[i] = values[d.Address-win.Start]
	}
	out.Count = len(regs)
	return out
}
