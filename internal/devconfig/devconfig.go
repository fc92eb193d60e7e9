// Package devconfig holds the process-wide runtime tunables: task periods
// and the active register list. Fields are independently versioned on the
// cloud side; locally they are atomics so every task reads them without
// coordination and the config manager is the only writer.
package devconfig

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"ecowatt/internal/nvs"
	"ecowatt/models"
)

// Defaults applied on first boot, before any persisted or remote value.
const (
	DefaultPollPeriodMs    = 5000
	DefaultUploadPeriodMs  = 15000
	DefaultConfigPeriodMs  = 30000
	DefaultCommandPeriodMs = 10000
	DefaultOTAPeriodMs     = 60000
	DefaultPowerPeriodMs   = 60000
)

// Runtime is the shared tunable record.
type Runtime struct {
	PollPeriodMs    atomic.Int64
	UploadPeriodMs  atomic.Int64
	ConfigPeriodMs  atomic.Int64
	CommandPeriodMs atomic.Int64
	OTAPeriodMs     atomic.Int64
	PowerPeriodMs   atomic.Int64

	regs atomic.Pointer[[]models.RegID]
}

// New seeds a Runtime with defaults and the given register list.
func New(regs []models.RegID) *Runtime {
	r := &Runtime{}
	r.PollPeriodMs.Store(DefaultPollPeriodMs)
	r.UploadPeriodMs.Store(DefaultUploadPeriodMs)
	r.ConfigPeriodMs.Store(DefaultConfigPeriodMs)
	r.CommandPeriodMs.Store(DefaultCommandPeriodMs)
	r.OTAPeriodMs.Store(DefaultOTAPeriodMs)
	r.PowerPeriodMs.Store(DefaultPowerPeriodMs)
	r.SetActiveRegisters(regs)
	return r
}

// ActiveRegisters returns a copy of the current register list.
func (r *Runtime) ActiveRegisters() []models.RegID {
	p := r.regs.Load()
	if p == nil {
		return nil
	}
	out := make([]models.RegID, len(*p))
	copy(out, *p)
	return out
}

// SetActiveRegisters swaps the list atomically.
func (r *Runtime) SetActiveRegisters(regs []models.RegID) {
	cp := make([]models.RegID, len(regs))
	copy(cp, regs)
	r.regs.Store(&cp)
}

// SameRegisters reports whether a and b hold the same IDs in the same order.
func SameRegisters(a, b []models.RegID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EncodeRegisters renders a register list for persistence: u16 BE per ID.
func EncodeRegisters(regs []models.RegID) []byte {
	out := make([]byte, 2*len(regs))
	for i, id := range regs {
		binary.BigEndian.PutUint16(out[2*i:], uint16(id))
	}
	return out
}

// DecodeRegisters reverses EncodeRegisters.
func DecodeRegisters(b []byte) ([]models.RegID, error) {
	if len(b)%2 != 0 {
		return nil, errors.New("devconfig: odd register blob length")
	}
	out := make([]models.RegID, len(b)/2)
	for i := range out {
		out[i] = models.RegID(binary.BigEndian.Uint16(b[2*i:]))
	}
	return out, nil
}

// LoadPersisted overlays any values present in the store. Missing keys keep
// their current (default) values.
func (r *Runtime) LoadPersisted(store nvs.Store) error {
	load := func(key string, dst *atomic.Int64) error {
		v, err := store.GetU32(key)
		if errors.Is(err, nvs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		dst.Store(int64(v))
		return nil
	}
	for _, kv := range []struct {
		key string
		dst *atomic.Int64
	}{
		{nvs.KeyPollPeriod, &r.PollPeriodMs},
		{nvs.KeyUploadPeriod, &r.UploadPeriodMs},
		{nvs.KeyConfigPeriod, &r.ConfigPeriodMs},
		{nvs.KeyCommandPeriod, &r.CommandPeriodMs},
		{nvs.KeyOTAPeriod, &r.OTAPeriodMs},
		{nvs.KeyPowerPeriod, &r.PowerPeriodMs},
	} {
		if err := load(kv.key, kv.dst); err != nil {
			return err
		}
	}
	blob, err := store.GetBytes(nvs.KeyActiveRegisters)
	if err == nil {
		regs, derr := DecodeRegisters(blob)
		if derr != nil {
			return derr
		}
		if len(regs) > 0 && len(regs) <= models.MaxRegisters {
			r.SetActiveRegisters(regs)
		}
	} else if !errors.Is(err, nvs.ErrNotFound) {
		return err
	}
	return nil
}

// BatchSize derives N = uploadPeriod / pollPeriod, clamped to the packet
// limits.
func (r *Runtime) BatchSize() int {
	poll := r.PollPeriodMs.Load()
	upload := r.UploadPeriodMs.Load()
	if poll <= 0 {
		return 1
	}
	n := int(upload / poll)
	if n < 1 {
		n = 1
	}
	if n > models.MaxBatchSamples {
		n = models.MaxBatchSamples
	}
	return n
}
