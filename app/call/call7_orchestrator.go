package call

import (
	"context"
	"sync"
	"time"

	"baraza/components/callrecord"
	"baraza/components/contacts"
	"baraza/utils"
)

// Orchestrator owns all call sessions for one local user. At most one
// session is active at a time; starting a second call fails fast while
// another is live or still being set up.
type Orchestrator struct {
	localID   string
	transport Transport
	media     Media
	contacts  contacts.I_ContactRepo
	records   callrecord.I_CallRecordRepo
	timeouts  Timeouts
	newLink   func(remoteID string) (PeerLink, error)

	mu       sync.Mutex
	calls    map[string]*CallSession
	activeID string
	starting bool
}

func NewOrchestrator(
	localID string,
	transport Transport,
	media Media,
	contactRepo contacts.I_ContactRepo,
	recordRepo callrecord.I_CallRecordRepo,
	iceServers []string,
	timeouts Timeouts,
) *Orchestrator {
	me := &Orchestrator{
		localID:   localID,
		transport: transport,
		media:     media,
		contacts:  contactRepo,
		records:   recordRepo,
		timeouts:  timeouts,
		calls:     make(map[string]*CallSession),
	}

	// peer connections must come from the media manager's engine so its
	// codecs and interceptors apply; tests swap this factory out
	if mm, ok := media.(*MediaManager); ok {
		api := mm.API()
		me.newLink = func(remoteID string) (PeerLink, error) {
			return NewPeerConn(remoteID, api, iceServers)
		}
	} else {
		me.newLink = func(remoteID string) (PeerLink, error) {
			return NewPeerConn(remoteID, nil, iceServers)
		}
	}

	return me
}

// StartDirectCall rings a single callee and waits for their answer.
func (me *Orchestrator) StartDirectCall(ctx context.Context, calleeID string, video bool) (*CallSession, error) {
	kind := DirectAudio
	if video {
		kind = DirectVideo
	}
	c := NewDirectCall(me.localID, calleeID, kind)
	utils.Log().Info("starting direct call", "call_id", c.ID, "callee", calleeID, "kind", kind)
	return me.startSession(ctx, c, true)
}

// StartCircleCall opens a group room and invites the circle members. The
// caller enters the mesh immediately, members connect as they accept.
func (me *Orchestrator) StartCircleCall(ctx context.Context, circleID string, members []string, video bool) (*CallSession, error) {
	kind := GroupAudio
	if video {
		kind = GroupVideo
	}
	c := NewCircleCall(me.localID, circleID, kind, members)
	utils.Log().Info("starting circle call", "call_id", c.ID, "circle", circleID, "kind", kind)
	return me.startSession(ctx, c, false)
}

// JoinCircleCall enters an already running group call without an
// invitation, for members discovering it from the circle screen.
func (me *Orchestrator) JoinCircleCall(ctx context.Context, circleID, callID string, video bool) (*CallSession, error) {
	kind := GroupAudio
	if video {
		kind = GroupVideo
	}
	c := &Call{
		ID:        callID,
		RoomID:    callID,
		CircleID:  circleID,
		Kind:      kind,
		Status:    StatusIdle,
		CreatedAt: time.Now(),
	}
	utils.Log().Info("joining circle call", "call_id", callID, "circle", circleID)
	return me.startSession(ctx, c, false)
}

// Accept answers a pending invitation. The acceptance notification goes
// out first so the caller stops ringing, then this side joins the room.
func (me *Orchestrator) Accept(ctx context.Context, inv *Invitation) (*CallSession, error) {
	if inv == nil {
		return nil, ErrUnknownInvite
	}

	self := &contacts.UserContact{UID: me.localID}
	if me.contacts != nil {
		self = me.contacts.LookupOrPlaceholder(me.localID)
	}

	accepted, err := NewSignal(TypeCallAccepted, me.localID, inv.Caller.UID, ResponsePayload{
		CallID: inv.CallID,
		UserID: me.localID,
		Name:   self.Name,
	})
	if err != nil {
		return nil, err
	}
	if err := notifyBoth(ctx, me.transport, roomChannelFor(inv), UserCallsChannel(inv.Caller.UID), accepted); err != nil {
		return nil, err
	}

	c := &Call{
		ID:           inv.CallID,
		RoomID:       inv.RoomID,
		CircleID:     inv.CircleID,
		Kind:         inv.Kind,
		Caller:       inv.Caller.UID,
		Participants: []string{inv.Caller.UID},
		Status:       StatusIdle,
		CreatedAt:    time.Now(),
	}

	sess, err := me.startSession(ctx, c, false)
	if err != nil {
		// the caller already stopped ringing, do not leave them hanging
		if ended, e := NewSignal(TypeCallEnded, me.localID, inv.Caller.UID, ResponsePayload{CallID: inv.CallID, UserID: me.localID}); e == nil {
			if e := notifyBoth(ctx, me.transport, roomChannelFor(inv), UserCallsChannel(inv.Caller.UID), ended); e != nil {
				utils.Log().Error(e, "error notifying failed accept", "call_id", inv.CallID)
			}
		}
		return nil, err
	}
	return sess, nil
}

// Hangup ends the given call if it is still running.
func (me *Orchestrator) Hangup(callID string) error {
	me.mu.Lock()
	sess := me.calls[callID]
	me.mu.Unlock()
	if sess == nil {
		return ErrCallEnded
	}
	return sess.Hangup()
}

// Active returns the current session, or nil when idle.
func (me *Orchestrator) Active() *CallSession {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.activeID == "" {
		return nil
	}
	return me.calls[me.activeID]
}

func (me *Orchestrator) Get(callID string) *CallSession {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.calls[callID]
}

// Close hangs up whatever is still running, for connection teardown.
func (me *Orchestrator) Close() {
	if sess := me.Active(); sess != nil {
		if err := sess.Hangup(); err != nil {
			utils.Log().V(1).Info("hangup on close", "call_id", sess.ID(), "err", err.Error())
		}
	}
}

func (me *Orchestrator) startSession(ctx context.Context, c *Call, ring bool) (*CallSession, error) {
	if err := me.beginStart(); err != nil {
		return nil, err
	}

	deps := sessionDeps{
		transport: me.transport,
		media:     me.media,
		contacts:  me.contacts,
		records:   me.records,
		timeouts:  me.timeouts,
		newLink:   me.newLink,
		onEnd:     me.detach,
	}
	sess := newCallSession(c, me.localID, deps)

	me.mu.Lock()
	me.calls[c.ID] = sess
	me.activeID = c.ID
	me.mu.Unlock()

	err := sess.begin(ctx, ring)

	me.mu.Lock()
	me.starting = false
	me.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (me *Orchestrator) beginStart() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.starting || me.activeID != "" {
		return ErrCallInProgress
	}
	me.starting = true
	return nil
}

func (me *Orchestrator) detach(callID string) {
	me.mu.Lock()
	delete(me.calls, callID)
	if me.activeID == callID {
		me.activeID = ""
	}
	me.mu.Unlock()
	utils.Log().V(1).Info("call detached", "call_id", callID)
}
