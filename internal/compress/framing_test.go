package compress

// Byte-exact framing vectors. These pin the wire format itself, not just
// the round trip: a foreign decoder must be able to consume these bytes.

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecowatt/models"
)

func TestDictionaryAllMatchExactBytes(t *testing.T) {
	regs := regIDs(0, 1, 2)
	values := []uint16{230, 0, 5000, 230, 0, 5000, 230, 0, 5000}
	data, err := encodeDictionary(values, regs, 3)
	require.NoError(t, err)
	// tag, regCount, sampleCount BE, then baseline index 1 (u4) and the
	// all-match bit packed MSB-first: 0001 1 000 = 0x18.
	assert.Equal(t, []byte{0xD0, 0x03, 0x00, 0x03, 0x18}, data)
}

func TestTemporalRampExactBytes(t *testing.T) {
	values := make([]uint16, 10)
	for i := range values {
		values[i] = uint16(100 + i)
	}
	data, err := encodeTemporal(values, 1, 10)
	require.NoError(t, err)
	// Header, width nibble 1, first sample 100 BE, then nine rows of
	// (flag=0, magnitude=1, sign=+) = 010 packed MSB-first.
	assert.Equal(t, []byte{0x70, 0x01, 0x00, 0x0A, 0x10, 0x00, 0x64, 0x49, 0x24, 0x92, 0x40}, data)
}

func TestBitpackExactBytes(t *testing.T) {
	data, err := encodeBitpack([]uint16{1, 2, 3})
	require.NoError(t, err)
	// tag, bits=2, count=3 BE u32, values 01 10 11 padded: 0110 1100.
	assert.Equal(t, []byte{0xBF, 0x02, 0x00, 0x00, 0x00, 0x03, 0x6C}, data)
}

func TestTemporalSingleSampleExactBytes(t *testing.T) {
	data, err := encodeTemporal([]uint16{0x1234, 0x00FF}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x71, 0x02, 0x00, 0x01, 0x12, 0x34, 0x00, 0xFF}, data)
}

func TestForeignDictionaryBytesDecode(t *testing.T) {
	// Hand-assembled payload: baseline 0, one register (id 0), two samples,
	// width 2 bits, both samples deviating by +1 (zigzag 2 = "10").
	// Bit stream after the widths block: mask(1)=1 delta=10, mask(1)=1
	// delta=10 -> 110110 00 = 0xD8.
	payload := []byte{0xD0, 0x01, 0x00, 0x02, 0x00, 0x20, 0xD8}
	out := make([]uint16, 2)
	require.NoError(t, decodeDictionary(payload, []models.RegID{0}, out))
	assert.Equal(t, []uint16{1, 1}, out)
}
