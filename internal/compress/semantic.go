package compress

// Semantic RLE: run-length coding along the time axis independently per
// register. Wins when many registers hold constant over the batch.
//
//	[0x50][u8 regCount][u16 sampleCount]
//	[regCount x u4 widths]                       (value bits, 1..15)
//	per register: runs of [value in width bits][u16 runLen] until sampleCount
const TagSemantic = 0x50

func encodeSemantic(values []uint16, regCount, sampleCount int) ([]byte, error) {
	if err := checkCounts(regCount, sampleCount); err != nil {
		return nil, err
	}
	widths := make([]uint, regCount)
	for p := 0; p < regCount; p++ {
		var maxV uint16
		for s := 0; s < sampleCount; s++ {
			if v := values[s*regCount+p]; v > maxV {
				maxV = v
			}
		}
		w := bitLen16(maxV)
		if w > 15 {
			return nil, ErrNotApplicable
		}
		widths[p] = w
	}

	w := newBitWriter(4 + regCount*4)
	w.writeU8(TagSemantic)
	w.writeU8(byte(regCount))
	w.writeU16(uint16(sampleCount))
	nibblePack(w, widths)
	for p := 0; p < regCount; p++ {
		s := 0
		for s < sampleCount {
			v := values[s*regCount+p]
			run := 1
			for s+run < sampleCount && run < 65535 && values[(s+run)*regCount+p] == v {
				run++
			}
			w.writeBits(uint32(v), widths[p])
			w.writeBits(uint32(run), 16)
			s += run
		}
	}
	return w.bytes(), nil
}

func decodeSemantic(data []byte, out []uint16) (regCount, sampleCount int, err error) {
	r := newBitReader(data)
	tag, err := r.readU8()
	if err != nil {
		return 0, 0, err
	}
	if tag != TagSemantic {
		return 0, 0, ErrBadTag
	}
	rc, err := r.readU8()
	if err != nil {
		return 0, 0, err
	}
	sc, err := r.readU16()
	if err != nil {
		return 0, 0, err
	}
	regCount, sampleCount = int(rc), int(sc)
	if len(out) < regCount*sampleCount {
		return 0, 0, ErrTruncated
	}
	widths, err := nibbleUnpack(r, regCount)
	if err != nil {
		return 0, 0, err
	}
	for p := 0; p < regCount; p++ {
		s := 0
		for s < sampleCount {
			v, err := r.readBits(widths[p])
			if err != nil {
				return 0, 0, err
			}
			run, err := r.readBits(16)
			if err != nil {
				return 0, 0, err
			}
			if run == 0 || s+int(run) > sampleCount {
				return 0, 0, ErrTruncated
			}
			for i := 0; i < int(run); i++ {
				out[s*regCount+p] = uint16(v)
				s++
			}
		}
	}
	return regCount, sampleCount, nil
}
