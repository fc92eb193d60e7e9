package models

import (
	"time"
)

// Limits shared by every hop of the pipeline. Queues carry values, never
// references, so every buffer below is fixed-capacity.
const (
	// MaxRegisters bounds the register layout of a single sample.
	MaxRegisters = 16
	// MaxBatchSamples bounds N = uploadPeriod / pollPeriod.
	MaxBatchSamples = 512
	// PacketDataCap is the fixed byte capacity of a CompressedPacket payload;
	// it equals the compressed-queue element size.
	PacketDataCap = 4096
)

// RegID identifies one inverter register in the static register map.
type RegID uint16

// Sample is one poll of a register set at a single timestamp. Values are
// stored in the order of Registers; the two arrays are parallel.
type Sample struct {
	Timestamp     uint64 // ms since epoch (monotonic ms before time sync)
	RegisterCount uint8
	Registers     [MaxRegisters]RegID
	Values        [MaxRegisters]uint16
}

// Layout returns the active register slice of the sample.
func (s *Sample) Layout() []RegID { return s.Registers[:s.RegisterCount] }

// SameLayout reports whether two samples share an identical register layout
// (length and byte-wise content).
func (s *Sample) SameLayout(o *Sample) bool {
	if s.RegisterCount != o.RegisterCount {
		return false
	}
	for i := uint8(0); i < s.RegisterCount; i++ {
		if s.Registers[i] != o.Registers[i] {
			return false
		}
	}
	return true
}

// Method tags the compression encoder that produced a packet payload.
type Method uint8

const (
	MethodRaw Method = iota
	MethodDictionary
	MethodTemporal
	MethodSemantic
	MethodBitpack
)

func (m Method) String() string {
	switch m {
	case MethodDictionary:
		return "dictionary"
	case MethodTemporal:
		return "temporal"
	case MethodSemantic:
		return "semantic"
	case MethodBitpack:
		return "bitpack"
	default:
		return "raw"
	}
}

// MethodForTag maps the first payload byte to its Method. Any byte that is
// not a dictionary, temporal or semantic tag maps to bitpack; it never
// returns MethodRaw, so callers handle a zero-length (raw) payload
// themselves.
func MethodForTag(b byte) Method {
	switch b {
	case 0xD0:
		return MethodDictionary
	case 0x70, 0x71:
		return MethodTemporal
	case 0x50:
		return MethodSemantic
	default:
		return MethodBitpack
	}
}

// CompressedPacket is the fixed-size queue element carrying one compressed
// batch from the compression task to the uploader.
type CompressedPacket struct {
	Data             [PacketDataCap]byte
	DataSize         uint32
	Timestamp        uint64 // timestamp of the last sample in the batch
	SampleCount      uint16
	RegisterCount    uint8
	Registers        [MaxRegisters]RegID
	UncompressedSize uint32
	CompressedSize   uint32
	Method           Method
}

// Payload returns the live byte slice of the packet.
func (p *CompressedPacket) Payload() []byte { return p.Data[:p.DataSize] }

// Ratio reports compressed/uncompressed size, 1.0 when uncompressed is zero.
func (p *CompressedPacket) Ratio() float64 {
	if p.UncompressedSize == 0 {
		return 1
	}
	return float64(p.CompressedSize) / float64(p.UncompressedSize)
}

// CommandType enumerates remote commands the executor understands.
type CommandType string

const (
	CommandWriteRegister CommandType = "write_register"
	CommandReadStats     CommandType = "read_stats"
	CommandResetCounters CommandType = "reset_counters"
	CommandSetPower      CommandType = "set_power"       // percent 0..100
	CommandSetPowerWatts CommandType = "set_power_watts" // converted to percent
)

// Command is one queued remote command record.
type Command struct {
	ID       string      `json:"id"`
	Type     CommandType `json:"type"`
	Register RegID       `json:"register,omitempty"`
	Value    uint16      `json:"value,omitempty"`
	Percent  uint8       `json:"percent,omitempty"`
	Watts    uint32      `json:"watts,omitempty"`
	IssuedAt time.Time   `json:"issued_at,omitempty"`
}

// CommandResult reports the outcome of one executed command.
type CommandResult struct {
	ID         string `json:"id"`
	Success    bool   `json:"success"`
	Detail     string `json:"detail,omitempty"`
	FinishedAt uint64 `json:"finished_at_ms"`
}
