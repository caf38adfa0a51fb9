package pgn

import "github.com/serebryakov7/j1939-gateway/common"

// DecodeDM1 extracts the diagnostic trouble codes carried in a DM1 (or
// DM2) payload: two bytes of lamp status followed by zero or more 4-byte
// DTC entries (SPN low, SPN mid, 3 SPN high bits + 5-bit FMI, 1-bit
// conversion method + 7-bit occurrence count). sa is the reporting
// node's source address, recorded on each returned record as MID.
// Trailing bytes that don't fill a complete 4-byte entry are ignored.
func DecodeDM1(raw []byte, sa uint8) []common.DTCRecord {
	if len(raw) < 6 {
		return nil
	}

	numDTCs := (len(raw) - 2) / 4
	records := make([]common.DTCRecord, 0, numDTCs)
	for i := 0; i < numDTCs; i++ {
		offset := 2 + i*4

		spnLow := uint32(raw[offset])
		spnMid := uint32(raw[offset+1])
		spnHigh := uint32(raw[offset+2] >> 5)
		spn := spnLow | spnMid<<8 | spnHigh<<16
		fmi := raw[offset+2] & 0x1F
		oc := uint16(raw[offset+3] & 0x7F)

		records = append(records, common.DTCRecord{
			MID: sa,
			SPN: spn,
			FMI: fmi,
			OC:  oc,
		})
	}
	return records
}

// dm1NoLampsActive is the lamp-status prefix (MIL, RSL, AWL, PL all
// off/not-available) used when the caller has no independent lamp state
// to report.
var dm1NoLampsActive = [2]byte{0x00, 0xFF}

// EncodeDM1 builds a DM1 payload carrying records, with all four lamp
// status bits reported off.
func EncodeDM1(records []common.DTCRecord) []byte {
	out := make([]byte, 2, 2+4*len(records))
	copy(out, dm1NoLampsActive[:])
	for _, rec := range records {
		spn := rec.SPN & 0x7FFFF
		b := [4]byte{
			byte(spn),
			byte(spn >> 8),
			byte(spn>>16)<<5 | rec.FMI&0x1F,
			byte(rec.OC & 0x7F),
		}
		out = append(out, b[:]...)
	}
	return out
}
