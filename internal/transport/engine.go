package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/serebryakov7/j1939-gateway/internal/canbus"
	"github.com/serebryakov7/j1939-gateway/internal/canid"
	"github.com/serebryakov7/j1939-gateway/internal/pgn"
)

// J1939-21 normative timers.
const (
	T1 = 750 * time.Millisecond  // gap between BAM data packets
	T2 = 1250 * time.Millisecond // gap between end of data and next CTS/EOM
	T3 = 1250 * time.Millisecond // waiting for CTS after RTS
	T4 = 1050 * time.Millisecond // waiting for next CTS during Transferring

	MaxAssemblyTime = 5000 * time.Millisecond
	sweepInterval   = 1 * time.Second

	defaultCTSWindow = 16
	maxCTSWindow     = 31

	abortReasonAlreadyInSession = 1
	abortReasonTimeout          = 2
	abortReasonMessageTooLarge  = 9
)

// Message is a reassembled (or directly-sized) J1939 application message
// handed to the engine's completion callback.
type Message struct {
	PGN      uint32
	SA       uint8
	DA       uint8
	Priority uint8
	Data     []byte
}

// TimeoutEvent is surfaced on the engine's error channel when a session is
// reaped by the sweeper.
type TimeoutEvent struct {
	Kind TimeoutKind
	PGN  uint32
	SA   uint8
	DA   uint8
}

func (e TimeoutEvent) Error() string {
	return fmt.Sprintf("transport: %s pgn=%#x sa=%#x da=%#x", e.Kind, e.PGN, e.SA, e.DA)
}

// Engine runs the BAM and RTS/CTS state machines on top of a canbus.Port.
// Frames addressed to it arrive via HandleFrame; completed messages are
// delivered to onComplete synchronously from within that call.
type Engine struct {
	port       canbus.Port
	localSA    uint8
	onComplete func(Message)

	mu       sync.Mutex
	incoming map[sessionKey]*incomingSession
	outgoing map[sessionKey]*outgoingSession

	errCh chan error

	now func() time.Time

	stopCh chan struct{}
	group  *errgroup.Group
}

// New creates an Engine bound to port, using localSA to decide which
// incoming RTS frames are addressed to this node. onComplete is invoked
// synchronously whenever a session finishes reassembly.
func New(port canbus.Port, localSA uint8, onComplete func(Message)) *Engine {
	return &Engine{
		port:       port,
		localSA:    localSA,
		onComplete: onComplete,
		incoming:   make(map[sessionKey]*incomingSession),
		outgoing:   make(map[sessionKey]*outgoingSession),
		errCh:      make(chan error, 32),
		now:        time.Now,
	}
}

// Errors returns the channel on which TPInvalidPacket/timeout errors are
// surfaced; it never blocks HandleFrame and is never closed while the
// engine runs.
func (e *Engine) Errors() <-chan error { return e.errCh }

// Start launches the periodic sweep that reaps timed-out sessions.
func (e *Engine) Start(ctx context.Context) {
	e.stopCh = make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	g.Go(func() error {
		e.sweepLoop(gctx)
		return nil
	})
}

// Stop halts the sweeper and waits for it to exit.
func (e *Engine) Stop() error {
	if e.stopCh != nil {
		close(e.stopCh)
	}
	if e.group != nil {
		return e.group.Wait()
	}
	return nil
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	now := e.now()
	var expired []*incomingSession

	e.mu.Lock()
	for key, sess := range e.incoming {
		timeout := e.governingDuration(sess)
		if now.Sub(sess.lastActivity) > timeout || now.Sub(sess.startedAt) > MaxAssemblyTime {
			expired = append(expired, sess)
			delete(e.incoming, key)
		}
	}
	e.mu.Unlock()

	for _, sess := range expired {
		e.reportError(TimeoutEvent{Kind: sess.governingTimeout(), PGN: sess.pgn, SA: sess.key.SA, DA: sess.key.DA})
	}
}

func (e *Engine) governingDuration(sess *incomingSession) time.Duration {
	if sess.kind == KindBAM {
		return T1
	}
	return T2
}

func (e *Engine) reportError(err error) {
	select {
	case e.errCh <- err:
	default:
	}
}

// HandleFrame routes a decoded CAN frame to the TP.CM/TP.DT logic if its
// PGN belongs to the transport protocol; frames for any other PGN are
// ignored.
func (e *Engine) HandleFrame(frame canid.CANFrame) {
	msg, ok := pgn.Decode(frame)
	if !ok {
		return
	}
	switch msg.PGN {
	case pgn.TPCM:
		e.handleControl(msg)
	case pgn.TPDT:
		e.handleData(msg)
	}
}

func (e *Engine) handleControl(msg pgn.Message) {
	cm, err := decodeCM(msg.Raw)
	if err != nil {
		e.reportError(err)
		return
	}

	switch cm.control {
	case ctrlBAM:
		e.handleBAM(msg, cm)
	case ctrlRTS:
		e.handleRTS(msg, cm)
	case ctrlCTS:
		e.handleCTS(msg, cm)
	case ctrlEOM:
		e.handleEOM(msg, cm)
	case ctrlAbort:
		e.handleAbort(msg, cm)
	}
}

func (e *Engine) handleBAM(msg pgn.Message, cm cmFrame) {
	if int(cm.totalLength) > MaxMessageLength {
		e.sendAbort(msg.SA, cm.pgn, abortReasonMessageTooLarge)
		e.reportError(fmt.Errorf("transport: BAM length %d exceeds %d", cm.totalLength, MaxMessageLength))
		return
	}

	da, _ := msg.DestinationAddress()
	key := sessionKey{SA: msg.SA, DA: da}
	packets := numPackets(int(cm.totalLength))
	sess := newIncomingSession(key, cm.pgn, KindBAM, int(cm.totalLength), packets, int(cm.param), e.now())

	e.mu.Lock()
	_, replaced := e.incoming[key]
	e.incoming[key] = sess
	e.mu.Unlock()

	if replaced {
		e.sendAbort(msg.SA, cm.pgn, abortReasonAlreadyInSession)
		e.reportError(fmt.Errorf("transport: BAM from sa=%#x replaced an in-progress session", msg.SA))
	}
}

func (e *Engine) handleRTS(msg pgn.Message, cm cmFrame) {
	da, isPDU1 := msg.DestinationAddress()
	if !isPDU1 || da != e.localSA {
		return
	}
	key := sessionKey{SA: msg.SA, DA: e.localSA}

	if int(cm.totalLength) > MaxMessageLength {
		e.sendAbort(msg.SA, cm.pgn, abortReasonMessageTooLarge)
		e.reportError(fmt.Errorf("transport: RTS length %d exceeds %d", cm.totalLength, MaxMessageLength))
		return
	}

	e.mu.Lock()
	if _, busy := e.incoming[key]; busy {
		e.mu.Unlock()
		e.sendAbort(msg.SA, cm.pgn, abortReasonAlreadyInSession)
		return
	}
	packets := numPackets(int(cm.totalLength))
	sess := newIncomingSession(key, cm.pgn, KindRTSCTS, int(cm.totalLength), packets, int(cm.param), e.now())
	e.incoming[key] = sess
	e.mu.Unlock()

	e.sendNextCTS(sess, msg.SA)
}

func (e *Engine) sendNextCTS(sess *incomingSession, peerSA uint8) {
	next := sess.cumulativeNext()
	remaining := sess.numberOfPackets - (next - 1)
	window := remaining
	if window > sess.maxPerCTS && sess.maxPerCTS > 0 {
		window = sess.maxPerCTS
	}
	if window > defaultCTSWindow {
		window = defaultCTSWindow
	}
	if window > maxCTSWindow {
		window = maxCTSWindow
	}

	frame := canid.CANFrame{
		ID:       buildID(7, pgn.TPCM, e.localSA, peerSA),
		Data:     encodeCTS(uint8(window), uint8(next), sess.pgn),
		Extended: true,
	}
	_ = e.port.Send(frame)
}

func (e *Engine) handleData(msg pgn.Message) {
	if len(msg.Raw) < 8 {
		e.reportError(ErrTPInvalidPacket)
		return
	}
	da, _ := msg.DestinationAddress()
	keys := []sessionKey{{SA: msg.SA, DA: da}, {SA: msg.SA, DA: 0xFF}}

	seq := int(msg.Raw[0])
	data := msg.Raw[1:8]

	e.mu.Lock()
	var sess *incomingSession
	var key sessionKey
	for _, k := range keys {
		if s, ok := e.incoming[k]; ok {
			sess, key = s, k
			break
		}
	}
	if sess == nil {
		e.mu.Unlock()
		return
	}
	if !sess.acceptData(seq, data) {
		e.mu.Unlock()
		e.reportError(ErrTPInvalidPacket)
		return
	}
	sess.lastActivity = e.now()
	complete := sess.isComplete()
	if complete {
		delete(e.incoming, key)
	}
	e.mu.Unlock()

	if !complete {
		if sess.kind == KindRTSCTS {
			// A full CTS window was received; request the next window or
			// acknowledge completion once cumulative coverage reaches N.
			if sess.cumulativeNext() == sess.numberOfPackets+1 {
				e.sendEOMAck(sess, msg.SA)
			} else {
				windowSize := defaultCTSWindow
				if sess.maxPerCTS > 0 && sess.maxPerCTS < windowSize {
					windowSize = sess.maxPerCTS
				}
				if seq%windowSize == 0 {
					e.sendNextCTS(sess, msg.SA)
				}
			}
		}
		return
	}

	if sess.kind == KindRTSCTS {
		e.sendEOMAck(sess, msg.SA)
	}
	e.onComplete(Message{PGN: sess.pgn, SA: sess.key.SA, DA: sess.key.DA, Data: sess.assembled()})
}

func (e *Engine) sendEOMAck(sess *incomingSession, peerSA uint8) {
	frame := canid.CANFrame{
		ID:       buildID(7, pgn.TPCM, e.localSA, peerSA),
		Data:     encodeEOM(uint16(sess.messageLength), uint8(sess.numberOfPackets), sess.pgn),
		Extended: true,
	}
	_ = e.port.Send(frame)
}

func (e *Engine) sendAbort(peerSA uint8, p uint32, reason uint8) {
	frame := canid.CANFrame{
		ID:       buildID(7, pgn.TPCM, e.localSA, peerSA),
		Data:     encodeAbort(reason, p),
		Extended: true,
	}
	_ = e.port.Send(frame)
}

func (e *Engine) handleCTS(msg pgn.Message, cm cmFrame) {
	da, isPDU1 := msg.DestinationAddress()
	if !isPDU1 || da != e.localSA {
		return
	}
	key := sessionKey{SA: e.localSA, DA: msg.SA}

	e.mu.Lock()
	sess, ok := e.outgoing[key]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case sess.ctsCh <- ctsSignal{next: int(cm.ctsNext), count: int(cm.ctsCount)}:
	default:
	}
}

func (e *Engine) handleEOM(msg pgn.Message, _ cmFrame) {
	da, isPDU1 := msg.DestinationAddress()
	if !isPDU1 || da != e.localSA {
		return
	}
	key := sessionKey{SA: e.localSA, DA: msg.SA}

	e.mu.Lock()
	sess, ok := e.outgoing[key]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case sess.eomCh <- struct{}{}:
	default:
	}
}

func (e *Engine) handleAbort(msg pgn.Message, cm cmFrame) {
	da, isPDU1 := msg.DestinationAddress()
	if !isPDU1 {
		return
	}

	outKey := sessionKey{SA: e.localSA, DA: msg.SA}
	e.mu.Lock()
	if sess, ok := e.outgoing[outKey]; ok && da == e.localSA {
		e.mu.Unlock()
		select {
		case sess.abortCh <- cm.param:
		default:
		}
		return
	}

	inKey := sessionKey{SA: msg.SA, DA: da}
	if sess, ok := e.incoming[inKey]; ok {
		delete(e.incoming, inKey)
		e.mu.Unlock()
		e.reportError(TimeoutEvent{Kind: sess.governingTimeout(), PGN: sess.pgn, SA: sess.key.SA, DA: sess.key.DA})
		return
	}
	e.mu.Unlock()
}

// Send transmits an application message. Payloads of 8 bytes or fewer go
// out as a single frame; larger payloads are fragmented via BAM (da ==
// BroadcastAddress) or RTS/CTS (a specific da), blocking until the
// transfer completes, aborts, or times out.
func (e *Engine) Send(ctx context.Context, priority uint8, p uint32, sa, da uint8, data []byte) error {
	if len(data) > MaxMessageLength {
		return fmt.Errorf("transport: message length %d exceeds %d", len(data), MaxMessageLength)
	}
	if len(data) <= 8 {
		frame := canid.CANFrame{ID: buildID(priority, p, sa, da), Data: data, Extended: true}
		return e.port.Send(frame)
	}
	if da == BroadcastAddress {
		return e.sendBAM(priority, p, sa, data)
	}
	return e.sendRTSCTS(ctx, priority, p, sa, da, data)
}

// BroadcastAddress is the J1939 global destination address (0xFF).
const BroadcastAddress uint8 = 0xFF

func (e *Engine) sendBAM(priority uint8, p uint32, sa uint8, data []byte) error {
	packets := numPackets(len(data))
	cm := canid.CANFrame{
		ID:       buildID(priority, pgn.TPCM, sa, BroadcastAddress),
		Data:     encodeBAM(uint16(len(data)), uint8(packets), p),
		Extended: true,
	}
	if err := e.port.Send(cm); err != nil {
		return err
	}
	for i := 0; i < packets; i++ {
		start := i * 7
		end := start + 7
		if end > len(data) {
			end = len(data)
		}
		dt := canid.CANFrame{
			ID:       buildID(priority, pgn.TPDT, sa, BroadcastAddress),
			Data:     encodeDT(uint8(i+1), data[start:end]),
			Extended: true,
		}
		if err := e.port.Send(dt); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sendRTSCTS(ctx context.Context, priority uint8, p uint32, sa, da uint8, data []byte) error {
	key := sessionKey{SA: sa, DA: da}
	sess := newOutgoingSession(key, p, data, priority)

	e.mu.Lock()
	if _, busy := e.outgoing[key]; busy {
		e.mu.Unlock()
		return fmt.Errorf("transport: session to sa=%#x already in progress", da)
	}
	e.outgoing[key] = sess
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.outgoing, key)
		e.mu.Unlock()
	}()

	rts := canid.CANFrame{
		ID:       buildID(priority, pgn.TPCM, sa, da),
		Data:     encodeRTS(uint16(len(data)), uint8(sess.numberOfPackets), maxCTSWindow, p),
		Extended: true,
	}
	if err := e.port.Send(rts); err != nil {
		return err
	}

	sent := 0
	for sent < sess.numberOfPackets {
		window, err := e.awaitCTS(ctx, sess, T3)
		if err != nil {
			return err
		}
		sess.state = StateTransferring
		for i := 0; i < window.count && window.next-1+i < sess.numberOfPackets; i++ {
			seq := window.next + i
			start := (seq - 1) * 7
			end := start + 7
			if end > len(data) {
				end = len(data)
			}
			dt := canid.CANFrame{
				ID:       buildID(priority, pgn.TPDT, sa, da),
				Data:     encodeDT(uint8(seq), data[start:end]),
				Extended: true,
			}
			if err := e.port.Send(dt); err != nil {
				return err
			}
			if seq > sent {
				sent = seq
			}
		}
		sess.state = StateAwaitingCTS
	}

	sess.state = StateAwaitingEOM
	if err := e.awaitEOM(ctx, sess, T2); err != nil {
		return err
	}
	sess.state = StateComplete
	return nil
}

func (e *Engine) awaitCTS(ctx context.Context, sess *outgoingSession, timeout time.Duration) (ctsSignal, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case w := <-sess.ctsCh:
		return w, nil
	case reason := <-sess.abortCh:
		sess.state = StateAborted
		return ctsSignal{}, fmt.Errorf("transport: aborted by peer, reason=%d", reason)
	case <-timer.C:
		sess.state = StateAborted
		return ctsSignal{}, TimeoutEvent{Kind: RTSTimeout, PGN: sess.pgn, SA: sess.key.SA, DA: sess.key.DA}
	case <-ctx.Done():
		return ctsSignal{}, ctx.Err()
	}
}

func (e *Engine) awaitEOM(ctx context.Context, sess *outgoingSession, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-sess.eomCh:
		return nil
	case reason := <-sess.abortCh:
		sess.state = StateAborted
		return fmt.Errorf("transport: aborted by peer, reason=%d", reason)
	case <-timer.C:
		sess.state = StateAborted
		return TimeoutEvent{Kind: CTSTimeout, PGN: sess.pgn, SA: sess.key.SA, DA: sess.key.DA}
	case <-ctx.Done():
		return ctx.Err()
	}
}

