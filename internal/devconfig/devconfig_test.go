package devconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecowatt/internal/nvs"
	"ecowatt/models"
)

func TestDefaultsAndBatchSize(t *testing.T) {
	r := New([]models.RegID{0, 1, 2})
	assert.EqualValues(t, DefaultPollPeriodMs, r.PollPeriodMs.Load())
	assert.Equal(t, 3, r.BatchSize(), "15000/5000 = 3")

	r.UploadPeriodMs.Store(30000)
	assert.Equal(t, 6, r.BatchSize())

	r.PollPeriodMs.Store(60000)
	assert.Equal(t, 1, r.BatchSize(), "N is floored at 1")
}

func TestBatchSizeClamped(t *testing.T) {
	r := New(nil)
	r.PollPeriodMs.Store(1)
	r.UploadPeriodMs.Store(10_000_000)
	assert.Equal(t, models.MaxBatchSamples, r.BatchSize())
}

func TestActiveRegistersCopy(t *testing.T) {
	r := New([]models.RegID{0, 1})
	got := r.ActiveRegisters()
	got[0] = 9
	assert.Equal(t, []models.RegID{0, 1}, r.ActiveRegisters(), "callers get copies")
}

func TestSameRegisters(t *testing.T) {
	assert.True(t, SameRegisters([]models.RegID{1, 2}, []models.RegID{1, 2}))
	assert.False(t, SameRegisters([]models.RegID{1, 2}, []models.RegID{2, 1}))
	assert.False(t, SameRegisters([]models.RegID{1}, []models.RegID{1, 2}))
}

func TestRegisterCodec(t *testing.T) {
	regs := []models.RegID{0, 3, 14}
	decoded, err := DecodeRegisters(EncodeRegisters(regs))
	require.NoError(t, err)
	assert.Equal(t, regs, decoded)

	_, err = DecodeRegisters([]byte{0x00})
	require.Error(t, err)
}

func TestLoadPersistedOverlaysStoredValues(t *testing.T) {
	store := nvs.NewMemoryStore()
	require.NoError(t, store.SetU32(nvs.KeyPollPeriod, 2000))
	require.NoError(t, store.SetU32(nvs.KeyUploadPeriod, 20000))
	require.NoError(t, store.SetBytes(nvs.KeyActiveRegisters, EncodeRegisters([]models.RegID{4, 5})))

	r := New([]models.RegID{0})
	require.NoError(t, r.LoadPersisted(store))
	assert.EqualValues(t, 2000, r.PollPeriodMs.Load())
	assert.EqualValues(t, 20000, r.UploadPeriodMs.Load())
	assert.EqualValues(t, DefaultConfigPeriodMs, r.ConfigPeriodMs.Load(), "missing keys keep defaults")
	assert.Equal(t, []models.RegID{4, 5}, r.ActiveRegisters())
}
