// Package nvs provides the persistent key-value semantics the agent relies
// on: namespaced keys, small values, short critical sections. The default
// backing store is an embedded Badger database; an in-memory store backs
// tests.
package nvs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Well-known keys. Namespaces are colon-separated, matching the on-flash
// layout of the original firmware image.
const (
	KeyNonce           = "security:nonce"
	KeyPollPeriod      = "config:poll_period"
	KeyUploadPeriod    = "config:upload_period"
	KeyConfigPeriod    = "config:config_period"
	KeyCommandPeriod   = "config:command_period"
	KeyOTAPeriod       = "config:ota_period"
	KeyPowerPeriod     = "config:power_report_period"
	KeyActiveRegisters = "config:active_registers"
	KeyFirmwareVersion = "ota:version"
)

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("nvs: key not found")

// Store is the minimal persistence contract. Implementations must make each
// Set durable before returning; the nonce monotonicity guarantee depends on
// it.
type Store interface {
	GetU32(key string) (uint32, error)
	SetU32(key string, v uint32) error
	GetString(key string) (string, error)
	SetString(key, v string) error
	GetBytes(key string) ([]byte, error)
	SetBytes(key string, v []byte) error
	Close() error
}

// EncodeU32 renders v big-endian, the byte order every stored counter uses.
func EncodeU32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// DecodeU32 parses a big-endian u32 value.
func DecodeU32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("nvs: u32 value has %d bytes", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
