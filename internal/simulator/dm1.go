package simulator

import (
	"github.com/serebryakov7/j1939-gateway/common"
	"github.com/serebryakov7/j1939-gateway/internal/msgbus"
	"github.com/serebryakov7/j1939-gateway/internal/pgn"
)

// respondWithDTC answers a DM1/DM2 request with a single synthetic DTC
// for spn/fmi, exercising the same wire path (and the dtcstore/MQTT DTC
// topic downstream of it) that a real truck's DM1 broadcast would.
func respondWithDTC(bus *msgbus.Bus, sa, da uint8, spn uint32, fmi uint8) {
	data := pgn.EncodeDM1([]common.DTCRecord{{SPN: spn, FMI: fmi, OC: 1}})
	bus.Publish(TopicJ1939TX, TxMessage{
		PGN:      pgn.DM1,
		Data:     data,
		Priority: 6,
		SA:       sa,
		DA:       da,
	})
}

// isDiagnosticRequest reports whether p is the active or previously-active
// trouble code PGN.
func isDiagnosticRequest(p uint32) bool {
	return p == pgn.DM1 || p == pgn.DM2
}
