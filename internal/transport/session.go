package transport

import "time"

// SessionKind distinguishes a connectionless BAM transfer from a
// flow-controlled RTS/CTS transfer.
type SessionKind int

const (
	KindBAM SessionKind = iota
	KindRTSCTS
)

func (k SessionKind) String() string {
	if k == KindBAM {
		return "BAM"
	}
	return "RTS/CTS"
}

// SessionState is the lifecycle of an outgoing RTS/CTS transmission.
type SessionState int

const (
	StateAwaitingCTS SessionState = iota
	StateTransferring
	StateAwaitingEOM
	StateComplete
	StateAborted
)

// TimeoutKind identifies which timer fired when a session is reaped.
type TimeoutKind int

const (
	BAMTimeout TimeoutKind = iota
	RTSTimeout
	CTSTimeout
)

func (k TimeoutKind) String() string {
	switch k {
	case BAMTimeout:
		return "BAM_TIMEOUT"
	case RTSTimeout:
		return "RTS_TIMEOUT"
	case CTSTimeout:
		return "CTS_TIMEOUT"
	default:
		return "UNKNOWN_TIMEOUT"
	}
}

// sessionKey identifies a session by the (source address, destination
// address) pair. TP.DT data frames carry no PGN of their own, so this is
// the only correlation key available for routing a data frame to its
// session; at most one BAM or RTS/CTS transfer may be in flight per
// (SA, DA) pair, matching how a real TP.DT frame is routed on the wire.
// DA is 0xFF for a broadcast (BAM) session.
type sessionKey struct {
	SA uint8
	DA uint8
}

// incomingSession reassembles a transfer this engine is receiving,
// whether a broadcast BAM or the receive side of an RTS/CTS exchange.
type incomingSession struct {
	key             sessionKey
	pgn             uint32
	kind            SessionKind
	messageLength   int
	numberOfPackets int
	maxPerCTS       int
	buffer          []byte
	received        []bool // 1-indexed; received[0] unused
	receivedCount   int
	startedAt       time.Time
	lastActivity    time.Time
}

func newIncomingSession(key sessionKey, p uint32, kind SessionKind, length, packets, maxPerCTS int, now time.Time) *incomingSession {
	return &incomingSession{
		key:             key,
		pgn:             p,
		kind:            kind,
		messageLength:   length,
		numberOfPackets: packets,
		maxPerCTS:       maxPerCTS,
		buffer:          make([]byte, packets*7),
		received:        make([]bool, packets+1),
		startedAt:       now,
		lastActivity:    now,
	}
}

// acceptData copies a 7-byte TP.DT payload into the reassembly buffer at
// the slot for seq (1-based). It reports false for an out-of-range seq.
func (s *incomingSession) acceptData(seq int, data []byte) bool {
	if seq < 1 || seq > s.numberOfPackets {
		return false
	}
	offset := (seq - 1) * 7
	copy(s.buffer[offset:offset+7], data)
	if !s.received[seq] {
		s.received[seq] = true
		s.receivedCount++
	}
	return true
}

func (s *incomingSession) isComplete() bool {
	return s.receivedCount == s.numberOfPackets
}

func (s *incomingSession) assembled() []byte {
	return append([]byte(nil), s.buffer[:s.messageLength]...)
}

// cumulativeNext returns the lowest packet number not yet received,
// counting from 1 with no gaps — the next CTS window should start there.
func (s *incomingSession) cumulativeNext() int {
	n := 1
	for n <= s.numberOfPackets && s.received[n] {
		n++
	}
	return n
}

// governingTimeout reports which timer bounds this session's next
// expected activity.
func (s *incomingSession) governingTimeout() TimeoutKind {
	if s.kind == KindBAM {
		return BAMTimeout
	}
	return CTSTimeout
}

// ctsSignal carries a received CTS's window onto an outgoing session's
// channel.
type ctsSignal struct {
	next  int
	count int
}

// outgoingSession drives one RTS/CTS send in progress. Engine.Send blocks
// on its channels while Engine.HandleFrame feeds them from incoming
// CTS/EOM/Abort control frames.
type outgoingSession struct {
	key             sessionKey
	pgn             uint32
	data            []byte
	numberOfPackets int
	priority        uint8

	state SessionState

	ctsCh   chan ctsSignal
	eomCh   chan struct{}
	abortCh chan uint8
}

func newOutgoingSession(key sessionKey, p uint32, data []byte, priority uint8) *outgoingSession {
	return &outgoingSession{
		key:             key,
		pgn:             p,
		data:            data,
		numberOfPackets: numPackets(len(data)),
		priority:        priority,
		state:           StateAwaitingCTS,
		ctsCh:           make(chan ctsSignal, 4),
		eomCh:           make(chan struct{}, 1),
		abortCh:         make(chan uint8, 1),
	}
}
