package compress

import (
	"encoding/binary"

	"ecowatt/models"
)

// Result is the outcome of the selector: the winning method and its bytes.
type Result struct {
	Method models.Method
	Data   []byte
}

// Smart runs every candidate encoder over the same linearized input and
// returns the smallest compliant output. Ties break in the order
// dictionary, temporal, semantic, bitpack. A single-sample batch always
// takes the temporal single-sample framing. When no encoder beats the raw
// array, the raw representation is returned (untagged big-endian values);
// that path exists for safety, not for steady state.
func Smart(values []uint16, regs []models.RegID, sampleCount int) Result {
	regCount := len(regs)
	if regCount == 0 || sampleCount == 0 || len(values) != regCount*sampleCount {
		return Result{Method: models.MethodRaw, Data: EncodeRaw(values)}
	}
	if sampleCount == 1 {
		if data, err := encodeTemporal(values, regCount, sampleCount); err == nil {
			return Result{Method: models.MethodTemporal, Data: data}
		}
		return Result{Method: models.MethodRaw, Data: EncodeRaw(values)}
	}

	rawSize := len(values) * 2
	best := Result{Method: models.MethodRaw}
	consider := func(m models.Method, data []byte, err error) {
		if err != nil || len(data) == 0 || len(data) > rawSize {
			return
		}
		if best.Data == nil || len(data) < len(best.Data) {
			best = Result{Method: m, Data: data}
		}
	}
	d, errD := encodeDictionary(values, regs, sampleCount)
	consider(models.MethodDictionary, d, errD)
	t, errT := encodeTemporal(values, regCount, sampleCount)
	consider(models.MethodTemporal, t, errT)
	s, errS := encodeSemantic(values, regCount, sampleCount)
	consider(models.MethodSemantic, s, errS)
	b, errB := encodeBitpack(values)
	consider(models.MethodBitpack, b, errB)

	if best.Data == nil {
		return Result{Method: models.MethodRaw, Data: EncodeRaw(values)}
	}
	return best
}

// EncodeRaw renders values big-endian with no tag; the packet's method
// field and counts drive decoding.
func EncodeRaw(values []uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}
	return out
}

// DecodeRaw reverses EncodeRaw.
func DecodeRaw(data []byte, out []uint16) (int, error) {
	if len(data)%2 != 0 || len(data)/2 > len(out) {
		return 0, ErrTruncated
	}
	for i := 0; i < len(data)/2; i++ {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return len(data) / 2, nil
}

// Decode dispatches on the method tag in data[0] and fills out (sample-major
// order). regs must be the packet's register layout; only the dictionary
// decoder consults it. Raw payloads carry no tag and must go through
// DecodeRaw.
func Decode(data []byte, regs []models.RegID, out []uint16) (int, error) {
	if len(data) == 0 {
		return 0, ErrTruncated
	}
	switch data[0] {
	case TagDictionary:
		if err := decodeDictionary(data, regs, out); err != nil {
			return 0, err
		}
		r := newBitReader(data[2:])
		sc, _ := r.readU16()
		return len(regs) * int(sc), nil
	case TagTemporal, TagTemporalSingle:
		rc, sc, err := decodeTemporal(data, out)
		if err != nil {
			return 0, err
		}
		return rc * sc, nil
	case TagSemantic:
		rc, sc, err := decodeSemantic(data, out)
		if err != nil {
			return 0, err
		}
		return rc * sc, nil
	case TagBitpack:
		return decodeBitpack(data, out)
	default:
		return 0, ErrBadTag
	}
}
