// Package registers holds the static inverter register map and the
// acquisition planner that turns an arbitrary register-ID set into the
// minimum contiguous read.
package registers

import (
	"fmt"

	"ecowatt/models"
)

// Definition describes one mapped register.
type Definition struct {
	ID      models.RegID
	Address uint16
	Scale   float64
	Label   string
}

// The register map is static; IDs are stable across firmware versions.
var table = []Definition{
	{ID: 0, Address: 0x0000, Scale: 0.1, Label: "ac_voltage"},
	{ID: 1, Address: 0x0001, Scale: 0.1, Label: "ac_current"},
	{ID: 2, Address: 0x0002, Scale: 1, Label: "ac_power"},
	{ID: 3, Address: 0x0003, Scale: 0.01, Label: "grid_frequency"},
	{ID: 4, Address: 0x0004, Scale: 0.1, Label: "pv1_voltage"},
	{ID: 5, Address: 0x0005, Scale: 0.1, Label: "pv1_current"},
	{ID: 6, Address: 0x0006, Scale: 0.1, Label: "pv2_voltage"},
	{ID: 7, Address: 0x0007, Scale: 0.1, Label: "pv2_current"},
	{ID: 8, Address: 0x0008, Scale: 1, Label: "internal_temp"},
	{ID: 9, Address: 0x0009, Scale: 0.1, Label: "energy_today"},
	{ID: 10, Address: 0x000A, Scale: 1, Label: "energy_total_lo"},
	{ID: 11, Address: 0x000B, Scale: 1, Label: "energy_total_hi"},
	{ID: 12, Address: 0x000C, Scale: 1, Label: "status_word"},
	{ID: 13, Address: 0x000D, Scale: 1, Label: "fault_word"},
	{ID: 14, Address: 0x000E, Scale: 1, Label: "export_limit_pct"},
	{ID: 15, Address: 0x000F, Scale: 1, Label: "rated_power_w"},
}

var byID = func() map[models.RegID]Definition {
	m := make(map[models.RegID]Definition, len(table))
	for _, d := range table {
		m[d.ID] = d
	}
	return m
}()

// Lookup returns the definition for id.
func Lookup(id models.RegID) (Definition, bool) {
	d, ok := byID[id]
	return d, ok
}

// All returns the full register map in ID order.
func All() []Definition {
	out := make([]Definition, len(table))
	copy(out, table)
	return out
}

// Window is the minimum contiguous address range covering a register set.
type Window struct {
	Start uint16
	Count uint16
}

// PlanWindow computes the smallest contiguous read covering regs.
func PlanWindow(regs []models.RegID) (Window, error) {
	if len(regs) == 0 {
		return Window{}, fmt.Errorf("registers: empty register set")
	}
	var lo, hi uint16
	first := true
	for _, id := range regs {
		d, ok := byID[id]
		if !ok {
			return Window{}, fmt.Errorf("registers: unknown register %d", id)
		}
		if first {
			lo, hi = d.Address, d.Address
			first = false
			continue
		}
		if d.Address < lo {
			lo = d.Address
		}
		if d.Address > hi {
			hi = d.Address
		}
	}
	return Window{Start: lo, Count: hi - lo + 1}, nil
}
