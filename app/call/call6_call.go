package call

import (
	"context"
	"sync"
	"time"

	"baraza/components/callrecord"
	"baraza/components/contacts"
	"baraza/utils"

	"github.com/pion/webrtc/v4"
)

// bounds on the buffer for candidates arriving before their peer
const (
	maxEarlyCandidates = 16
	maxEarlySenders    = 16
)

type EventKind = string

const (
	EventStatus        EventKind = "status"
	EventAccepted      EventKind = "accepted"
	EventDeclined      EventKind = "declined"
	EventPeerConnected EventKind = "peer-connected"
	EventPeerLeft      EventKind = "peer-left"
	EventRemoteTrack   EventKind = "remote-track"
	EventEnded         EventKind = "ended"
)

// Event is one state change surfaced to the UI layer.
type Event struct {
	Kind   EventKind  `json:"kind"`
	CallID string     `json:"call_id"`
	Status CallStatus `json:"status,omitempty"`
	PeerID string     `json:"peer_id,omitempty"`
	Reason EndReason  `json:"reason,omitempty"`
}

// linkEvent funnels peer connection callbacks into the supervisor loop so
// all call state is touched by a single goroutine.
type linkEvent struct {
	peerID    string
	candidate *webrtc.ICECandidateInit
	track     *webrtc.TrackRemote
	state     webrtc.PeerConnectionState
	hasState  bool
}

type peerState struct {
	link      PeerLink
	initiator bool
	connected bool
	hasTrack  bool
}

type sessionDeps struct {
	transport Transport
	media     Media
	contacts  contacts.I_ContactRepo
	records   callrecord.I_CallRecordRepo
	timeouts  Timeouts
	newLink   func(remoteID string) (PeerLink, error)
	onEnd     func(callID string)
}

// CallSession supervises one call from media acquisition to teardown.
// A single goroutine owns the peer map; peer connection callbacks and
// hangup requests are forwarded to it over channels.
type CallSession struct {
	call    *Call
	localID string
	room    string
	deps    sessionDeps

	stream *LocalStream
	sub    *Subscription

	peers           map[string]*peerState
	earlyCandidates map[string][]webrtc.ICECandidateInit
	hadPeers        bool

	events     chan Event
	linkEvents chan linkEvent
	control    chan EndReason
	ringC      <-chan time.Time
	ringTimer  *time.Timer

	closed   atomicBool
	recorded bool

	mu      sync.Mutex
	status  CallStatus
	audioOn bool
	videoOn bool
}

func newCallSession(c *Call, localID string, deps sessionDeps) *CallSession {
	room := CallRoomChannel(c.RoomID)
	if KindIsGroup(c.Kind) {
		room = CircleCallChannel(c.CircleID, c.ID)
	}
	return &CallSession{
		call:            c,
		localID:         localID,
		room:            room,
		deps:            deps,
		peers:           make(map[string]*peerState),
		earlyCandidates: make(map[string][]webrtc.ICECandidateInit),
		events:          make(chan Event, 32),
		linkEvents:      make(chan linkEvent, 64),
		control:         make(chan EndReason, 1),
		status:          StatusIdle,
		audioOn:         true,
		videoOn:         KindHasVideo(c.Kind),
	}
}

func (me *CallSession) ID() string           { return me.call.ID }
func (me *CallSession) RoomID() string       { return me.call.RoomID }
func (me *CallSession) Kind() CallKind       { return me.call.Kind }
func (me *CallSession) Events() <-chan Event { return me.events }

func (me *CallSession) Status() CallStatus {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.status
}

// Peers snapshots the remote parties. Pointer state is copied, the caller
// can hold the result without racing the supervisor.
func (me *CallSession) Peers() []Peer {
	me.mu.Lock()
	defer me.mu.Unlock()
	out := make([]Peer, 0, len(me.peers))
	for id, ps := range me.peers {
		state := "connecting"
		if ps.connected {
			state = "connected"
		}
		out = append(out, Peer{ID: id, State: state, Initiator: ps.initiator, HasTrack: ps.hasTrack})
	}
	return out
}

// begin walks the call to its first stable state. Media comes first: a
// capture failure must not leave any signaling trace. ring is set for the
// direct caller, who waits for an accept before the mesh forms.
func (me *CallSession) begin(ctx context.Context, ring bool) error {
	me.setStatus(StatusAcquiringMedia)

	stream, err := me.deps.media.Acquire(me.call.ID, KindHasVideo(me.call.Kind))
	if err != nil {
		me.finish(ReasonMediaError, StatusFailed)
		return err
	}
	me.stream = stream

	me.setStatus(StatusSignaling)

	subCtx, cancel := context.WithTimeout(ctx, me.deps.timeouts.Subscribe)
	defer cancel()
	sub, err := me.deps.transport.Join(subCtx, me.room, me.localID)
	if err != nil {
		me.finish(ReasonSignalingTimeout, StatusFailed)
		return err
	}
	me.sub = sub

	me.persistRecord()

	if ring {
		if err := me.sendInvites(ctx); err != nil {
			utils.Log().Error(err, "error delivering invite", "call_id", me.call.ID)
		}
		me.setStatus(StatusRinging)
		me.ringTimer = time.NewTimer(me.deps.timeouts.Ring)
		me.ringC = me.ringTimer.C
	} else {
		if me.localID == me.call.Caller && KindIsGroup(me.call.Kind) {
			if err := me.sendInvites(ctx); err != nil {
				utils.Log().Error(err, "error delivering circle invites", "call_id", me.call.ID)
			}
		}
		me.setStatus(StatusMeshConnecting)
	}

	go me.run()
	return nil
}

// Hangup requests a local teardown. Returns ErrCallEnded once terminal.
func (me *CallSession) Hangup() error {
	if me.closed.get() {
		return ErrCallEnded
	}
	select {
	case me.control <- ReasonHangup:
	default:
	}
	return nil
}

// ToggleAudio flips the outbound audio flag and reports whether audio is
// now muted.
func (me *CallSession) ToggleAudio() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.audioOn = !me.audioOn
	return !me.audioOn
}

// ToggleVideo flips the outbound video flag and reports whether video is
// now disabled.
func (me *CallSession) ToggleVideo() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.videoOn = !me.videoOn
	return !me.videoOn
}

func (me *CallSession) run() {
	for {
		select {
		case env, ok := <-me.sub.C:
			if !ok {
				if !me.closed.get() {
					me.notifyEnded(ReasonSignalingTimeout)
					me.finish(ReasonSignalingTimeout, StatusFailed)
				}
				return
			}
			me.handleEnvelope(env)

		case lev := <-me.linkEvents:
			me.handleLinkEvent(lev)

		case reason := <-me.control:
			me.notifyEnded(reason)
			me.finish(reason, StatusEnded)
			return

		case <-me.ringC:
			if me.Status() != StatusRinging {
				me.ringC = nil
				continue
			}
			utils.Log().Info("call not answered", "call_id", me.call.ID)
			me.notifyEnded(ReasonNoAnswer)
			me.finish(ReasonNoAnswer, StatusFailed)
			return
		}

		if me.closed.get() {
			return
		}
	}
}

func (me *CallSession) handleEnvelope(env Envelope) {
	msg, err := DecodeSignal(env)
	if err != nil {
		utils.Log().Error(err, "ignoring malformed signal", "call_id", me.call.ID)
		return
	}

	// own broadcasts echo back on the room channel
	if msg.Sender == me.localID {
		return
	}
	if msg.Target != "" && msg.Target != me.localID {
		return
	}

	switch msg.Type {
	case TypeExistingPeers:
		ids, err := msg.PeerIDs()
		if err != nil {
			utils.Log().Error(err, "bad roster payload", "call_id", me.call.ID)
			return
		}
		for _, id := range ids {
			if id != me.localID {
				me.ensurePeer(id)
			}
		}

	case TypePeerJoined:
		me.ensurePeer(msg.Sender)

	case TypePeerLeft:
		me.removePeer(msg.Sender, ReasonRemoteHangup)

	case TypeOffer:
		desc, err := msg.Description()
		if err != nil {
			utils.Log().Error(err, "bad offer payload", "sender", msg.Sender)
			return
		}
		ps := me.ensurePeer(msg.Sender)
		if ps == nil {
			return
		}
		if err := ps.link.SetRemoteDescription(desc); err != nil {
			utils.Log().Error(err, "error applying remote offer", "sender", msg.Sender)
			return
		}
		answer, err := ps.link.CreateAnswer()
		if err != nil {
			utils.Log().Error(err, "error answering offer", "sender", msg.Sender)
			return
		}
		me.send(TypeAnswer, msg.Sender, DescriptionPayload{Description: answer})

	case TypeAnswer:
		ps := me.peers[msg.Sender]
		if ps == nil {
			// answer from a peer we never offered to
			utils.Log().Info("ignoring answer from unknown peer", "sender", msg.Sender, "call_id", me.call.ID)
			return
		}
		desc, err := msg.Description()
		if err != nil {
			utils.Log().Error(err, "bad answer payload", "sender", msg.Sender)
			return
		}
		if err := ps.link.SetRemoteDescription(desc); err != nil {
			utils.Log().Error(err, "error applying remote answer", "sender", msg.Sender)
		}

	case TypeCandidate:
		candidate, err := msg.Candidate()
		if err != nil {
			utils.Log().Error(err, "bad candidate payload", "sender", msg.Sender)
			return
		}
		ps := me.peers[msg.Sender]
		if ps == nil {
			// candidate raced ahead of the membership event; bounded so a
			// sender that never joins cannot grow the buffer forever
			buf := me.earlyCandidates[msg.Sender]
			if buf == nil && len(me.earlyCandidates) >= maxEarlySenders {
				utils.Log().Info("dropping candidate, too many unknown senders", "call_id", me.call.ID, "sender", msg.Sender)
				return
			}
			if len(buf) >= maxEarlyCandidates {
				utils.Log().Info("dropping candidate from unknown peer", "call_id", me.call.ID, "sender", msg.Sender)
				return
			}
			me.earlyCandidates[msg.Sender] = append(buf, candidate)
			return
		}
		if err := ps.link.AddICECandidate(candidate); err != nil {
			utils.Log().Error(err, "error adding candidate", "sender", msg.Sender)
		}

	case TypeCallAccepted:
		if me.Status() == StatusRinging {
			me.stopRing()
			me.setStatus(StatusMeshConnecting)
			me.emit(Event{Kind: EventAccepted, CallID: me.call.ID, PeerID: msg.Sender})
		}

	case TypeCallDeclined:
		if !KindIsGroup(me.call.Kind) {
			// only the invited callee can decline a direct call
			if len(me.call.Participants) == 0 || msg.Sender != me.call.Participants[0] {
				utils.Log().Info("ignoring decline from unexpected sender", "call_id", me.call.ID, "sender", msg.Sender)
				return
			}
			utils.Log().Info("call declined", "call_id", me.call.ID, "by", msg.Sender)
			me.emit(Event{Kind: EventDeclined, CallID: me.call.ID, PeerID: msg.Sender})
			me.finish(ReasonDeclined, StatusEnded)
		}

	case TypeCallEnded:
		// a group member saying goodbye only takes their own link with
		// them, the room survives until its owner ends it
		if KindIsGroup(me.call.Kind) && msg.Sender != me.call.Caller {
			me.removePeer(msg.Sender, ReasonRemoteHangup)
			return
		}
		me.finish(ReasonRemoteHangup, StatusEnded)

	default:
		utils.Log().V(2).Info("ignoring signal on room channel", "type", msg.Type, "sender", msg.Sender)
	}
}

// ensurePeer returns the link for remoteID, creating and wiring it on
// first sight. The deterministic initiator side sends the first offer.
func (me *CallSession) ensurePeer(remoteID string) *peerState {
	if ps, ok := me.peers[remoteID]; ok {
		return ps
	}

	link, err := me.deps.newLink(remoteID)
	if err != nil {
		utils.Log().Error(err, "error creating peer connection", "peer_id", remoteID)
		return nil
	}

	link.OnIceCandidate(func(c *webrtc.ICECandidateInit) {
		me.pushLink(linkEvent{peerID: remoteID, candidate: c})
	})
	link.OnTrack(func(t *webrtc.TrackRemote) {
		me.pushLink(linkEvent{peerID: remoteID, track: t})
	})
	link.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		me.pushLink(linkEvent{peerID: remoteID, state: s, hasState: true})
	})

	if err := link.AddLocalStream(me.stream); err != nil {
		utils.Log().Error(err, "error attaching local media", "peer_id", remoteID)
	}

	initiator := Initiates(me.localID, remoteID)
	ps := &peerState{link: link, initiator: initiator}

	me.mu.Lock()
	me.peers[remoteID] = ps
	me.mu.Unlock()
	me.hadPeers = true

	for _, c := range me.earlyCandidates[remoteID] {
		if err := link.AddICECandidate(c); err != nil {
			utils.Log().Error(err, "error replaying early candidate", "peer_id", remoteID)
		}
	}
	delete(me.earlyCandidates, remoteID)

	if initiator {
		offer, err := link.CreateOffer()
		if err != nil {
			utils.Log().Error(err, "error creating offer", "peer_id", remoteID)
		} else {
			me.send(TypeOffer, remoteID, DescriptionPayload{Description: offer})
		}
	}

	utils.Log().V(1).Info("peer link created", "call_id", me.call.ID, "peer_id", remoteID, "initiator", initiator)
	return ps
}

func (me *CallSession) removePeer(remoteID string, reason EndReason) {
	me.mu.Lock()
	ps, ok := me.peers[remoteID]
	if ok {
		delete(me.peers, remoteID)
	}
	remaining := len(me.peers)
	me.mu.Unlock()
	if !ok {
		return
	}

	if err := ps.link.Close(); err != nil {
		utils.Log().Error(err, "error closing peer link", "peer_id", remoteID)
	}
	me.emit(Event{Kind: EventPeerLeft, CallID: me.call.ID, PeerID: remoteID})

	if !KindIsGroup(me.call.Kind) {
		me.finish(reason, StatusEnded)
		return
	}
	if me.hadPeers && remaining == 0 {
		utils.Log().Info("last peer left the circle call", "call_id", me.call.ID)
		me.finish(ReasonRemoteHangup, StatusEnded)
	}
}

func (me *CallSession) handleLinkEvent(lev linkEvent) {
	switch {
	case lev.candidate != nil:
		me.send(TypeCandidate, lev.peerID, CandidatePayload{Candidate: *lev.candidate})

	case lev.track != nil:
		me.mu.Lock()
		if ps, ok := me.peers[lev.peerID]; ok {
			ps.hasTrack = true
		}
		me.mu.Unlock()
		me.emit(Event{Kind: EventRemoteTrack, CallID: me.call.ID, PeerID: lev.peerID})

	case lev.hasState:
		me.handleLinkState(lev.peerID, lev.state)
	}
}

func (me *CallSession) handleLinkState(peerID string, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		me.mu.Lock()
		ps, ok := me.peers[peerID]
		if ok {
			ps.connected = true
		}
		me.mu.Unlock()
		if !ok {
			return
		}
		// one live link is enough to call the session connected
		if s := me.Status(); s == StatusMeshConnecting || s == StatusSignaling || s == StatusRinging {
			me.setStatus(StatusConnected)
			me.setRecordStatus(callrecord.StatusOngoing)
		}
		me.emit(Event{Kind: EventPeerConnected, CallID: me.call.ID, PeerID: peerID})

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		utils.Log().Info("peer link lost", "call_id", me.call.ID, "peer_id", peerID, "state", state.String())
		if KindIsGroup(me.call.Kind) {
			me.removePeer(peerID, ReasonConnectionFailed)
			return
		}
		me.finish(ReasonConnectionFailed, StatusFailed)
	}
}

// finish tears the session down exactly once: links first, then the
// subscription so peer-left reaches the room, then local media.
func (me *CallSession) finish(reason EndReason, status CallStatus) {
	if !me.closed.set(true) {
		return
	}
	me.stopRing()

	me.mu.Lock()
	links := make([]PeerLink, 0, len(me.peers))
	for _, ps := range me.peers {
		links = append(links, ps.link)
	}
	me.peers = make(map[string]*peerState)
	me.mu.Unlock()

	for _, link := range links {
		if err := link.Close(); err != nil {
			utils.Log().Error(err, "error closing peer link", "call_id", me.call.ID)
		}
	}

	if me.sub != nil {
		me.sub.Unsubscribe()
	}
	me.deps.media.Release(me.stream)

	now := time.Now()
	me.call.EndedAt = &now
	me.setStatus(status)
	me.call.Status = status

	utils.Log().Info("call finished", "call_id", me.call.ID, "reason", reason, "status", status)
	me.emit(Event{Kind: EventEnded, CallID: me.call.ID, Status: status, Reason: reason})

	me.setRecordStatus(finalRecordStatus(reason, status))

	if me.deps.onEnd != nil {
		me.deps.onEnd(me.call.ID)
	}
}

// notifyEnded tells the other parties this side is gone, on their personal
// channels as well as the room in case they never finished joining it.
// In a group call only the owner ends the room; a member leaving is
// announced by the peer-left their unsubscribe broadcasts.
func (me *CallSession) notifyEnded(reason EndReason) {
	if KindIsGroup(me.call.Kind) && me.localID != me.call.Caller {
		return
	}
	msg, err := NewSignal(TypeCallEnded, me.localID, "", ResponsePayload{CallID: me.call.ID, UserID: me.localID, Name: reason})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, uid := range me.call.Participants {
		if uid == me.localID {
			continue
		}
		if err := notifyBoth(ctx, me.deps.transport, me.room, UserCallsChannel(uid), msg); err != nil {
			utils.Log().Error(err, "error notifying call end", "call_id", me.call.ID, "to", uid)
		}
	}
}

func (me *CallSession) sendInvites(ctx context.Context) error {
	typ := TypeIncomingCall
	if KindIsGroup(me.call.Kind) {
		typ = TypeIncomingGroupCall
	}

	caller := &contacts.UserContact{UID: me.localID}
	if me.deps.contacts != nil {
		caller = me.deps.contacts.LookupOrPlaceholder(me.localID)
	}

	payload := InvitePayload{
		CallID:       me.call.ID,
		RoomID:       me.call.RoomID,
		CircleID:     me.call.CircleID,
		Kind:         me.call.Kind,
		Caller:       me.localID,
		CallerName:   caller.Name,
		CallerAvatar: caller.Avatar,
	}

	var firstErr error
	for _, uid := range me.call.Participants {
		if uid == me.localID {
			continue
		}
		msg, err := NewSignal(typ, me.localID, uid, payload)
		if err != nil {
			return err
		}
		if err := me.deps.transport.Send(ctx, UserCallsChannel(uid), typ, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (me *CallSession) send(typ SignalType, target string, payload interface{}) {
	msg, err := NewSignal(typ, me.localID, target, payload)
	if err != nil {
		utils.Log().Error(err, "error building signal", "type", typ)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := me.deps.transport.Send(ctx, me.room, typ, msg); err != nil {
		utils.Log().Error(err, "error sending signal", "type", typ, "target", target)
	}
}

func (me *CallSession) pushLink(lev linkEvent) {
	select {
	case me.linkEvents <- lev:
	default:
		utils.Log().Error(nil, "link event dropped", "call_id", me.call.ID, "peer_id", lev.peerID)
	}
}

func (me *CallSession) emit(ev Event) {
	select {
	case me.events <- ev:
	default:
		utils.Log().Error(nil, "call event dropped, consumer too slow", "call_id", me.call.ID, "kind", ev.Kind)
	}
}

func (me *CallSession) setStatus(s CallStatus) {
	me.mu.Lock()
	me.status = s
	me.mu.Unlock()
	utils.Log().V(1).Info("call status", "call_id", me.call.ID, "status", s)
	me.emit(Event{Kind: EventStatus, CallID: me.call.ID, Status: s})
}

func (me *CallSession) stopRing() {
	if me.ringTimer != nil {
		me.ringTimer.Stop()
	}
	me.ringC = nil
}

// persistRecord writes the history entry, caller side only so a call shows
// up once. Best effort off the hot path.
func (me *CallSession) persistRecord() {
	if me.deps.records == nil || me.localID != me.call.Caller {
		return
	}
	me.recorded = true
	rec := &callrecord.CreateCallRecord{
		UID:          me.call.ID,
		RoomID:       me.call.RoomID,
		Caller:       me.call.Caller,
		CallType:     me.call.Kind,
		Participants: me.call.Participants,
		Status:       callrecord.StatusInitiated,
	}
	go func() {
		if _, err := me.deps.records.AddRecord(rec); err != nil {
			utils.Log().Error(err, "error persisting call record", "call_id", me.call.ID)
		}
	}()
}

func (me *CallSession) setRecordStatus(status callrecord.RecordStatus) {
	if me.deps.records == nil || !me.recorded {
		return
	}
	callID := me.call.ID
	go func() {
		if err := me.deps.records.SetStatus(callID, status); err != nil {
			utils.Log().Error(err, "error updating call record", "call_id", callID)
		}
	}()
}

func finalRecordStatus(reason EndReason, status CallStatus) callrecord.RecordStatus {
	switch reason {
	case ReasonNoAnswer:
		return callrecord.StatusMissed
	case ReasonDeclined:
		return callrecord.StatusDeclined
	case ReasonMediaError, ReasonSignalingTimeout, ReasonConnectionFailed:
		return callrecord.StatusFailed
	}
	if status == StatusFailed {
		return callrecord.StatusFailed
	}
	return callrecord.StatusEnded
}
