package ehframe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildSection assembles one CIE ("zR" augmentation, encoding 0x1b =
// DW_EH_PE_pcrel|sdata4) followed by one FDE pointing 0x10 bytes past its
// own initial_location field, with an address_range of 0x40.
func buildSection(t *testing.T) []byte {
	t.Helper()

	cieBody := []byte{1} // version
	cieBody = append(cieBody, 'z', 'R', 0)
	cieBody = append(cieBody, encodeULEB(1)...)  // code_alignment_factor
	cieBody = append(cieBody, encodeSLEB(-8)...) // data_alignment_factor
	cieBody = append(cieBody, 16)                // return address register
	cieBody = append(cieBody, encodeULEB(1)...)  // augmentation data length
	cieBody = append(cieBody, 0x1b)              // 'R': pcrel | sdata4

	cieBody = append([]byte{0, 0, 0, 0}, cieBody...) // CIE pointer field (0 => is a CIE)
	cie := lengthPrefixed(cieBody)

	ciePos := 0
	fdeIDPos := len(cie) + 4 // position of the CIE-pointer field within the FDE
	ciePtr := uint32(fdeIDPos - ciePos)

	var fdeBody []byte
	fdeBody = append(fdeBody, le32(ciePtr)...)
	fdeBody = append(fdeBody, le32(0x10)...) // initial_location: +0x10 from this field's vaddr
	fdeBody = append(fdeBody, le32(0x40)...) // address_range
	fde := lengthPrefixed(fdeBody)

	out := append(append([]byte{}, cie...), fde...)
	out = append(out, 0, 0, 0, 0) // terminator
	return out
}

func lengthPrefixed(body []byte) []byte {
	return append(le32(uint32(len(body))), body...)
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func encodeULEB(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func encodeSLEB(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		done := (v == 0 && !signBitSet) || (v == -1 && signBitSet)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

func TestWalkRecoversOneFDE(t *testing.T) {
	data := buildSection(t)
	fdes, err := NewWalker().Walk(data, 0x401000, 8)
	require.NoError(t, err)
	require.Len(t, fdes, 1)
	require.EqualValues(t, 0x40, fdes[0].Size)
	require.Greater(t, fdes[0].Addr, uint64(0x401000))
}

func TestDecodeULEBAndSLEBRoundTrip(t *testing.T) {
	v, n := decodeULEB(encodeULEB(300))
	require.EqualValues(t, 300, v)
	require.Equal(t, 2, n)

	sv, sn := decodeSLEB(encodeSLEB(-300))
	require.EqualValues(t, -300, sv)
	require.Equal(t, 2, sn)
}
