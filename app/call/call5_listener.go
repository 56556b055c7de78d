package call

import (
	"context"
	"sync"
	"time"

	"baraza/components/contacts"
	"baraza/utils"
)

type InviteEventKind = string

const (
	InviteIncoming InviteEventKind = "incoming"
	InviteExpired  InviteEventKind = "expired"
	InviteAccepted InviteEventKind = "accepted"
	InviteDeclined InviteEventKind = "declined"
	InviteEnded    InviteEventKind = "ended"
)

// Invitation is one pending inbound call surfaced to the UI.
type Invitation struct {
	CallID     string                `json:"call_id"`
	RoomID     string                `json:"room_id"`
	CircleID   string                `json:"circle_id,omitempty"`
	Kind       CallKind              `json:"kind"`
	Caller     *contacts.UserContact `json:"caller"`
	ReceivedAt time.Time             `json:"received_at"`
}

// InviteEvent is what the listener emits toward the UI.
type InviteEvent struct {
	Kind       InviteEventKind       `json:"kind"`
	CallID     string                `json:"call_id"`
	Invitation *Invitation           `json:"invitation,omitempty"`
	From       *contacts.UserContact `json:"from,omitempty"`
}

// InviteListener holds the long-lived subscription on the local user's
// personal channel, independent of whether a call is active. Acceptance
// hands off to the orchestrator's join path.
type InviteListener struct {
	transport     Transport
	contactRepo   contacts.I_ContactRepo
	selfID        string
	inviteTimeout time.Duration

	events chan InviteEvent
	closed atomicBool

	mu      sync.Mutex
	pending map[string]*Invitation
	sub     *Subscription
}

func NewInviteListener(transport Transport, contactRepo contacts.I_ContactRepo, selfID string, inviteTimeout time.Duration) *InviteListener {
	return &InviteListener{
		transport:     transport,
		contactRepo:   contactRepo,
		selfID:        selfID,
		inviteTimeout: inviteTimeout,
		events:        make(chan InviteEvent, 16),
		pending:       make(map[string]*Invitation),
	}
}

// Listen subscribes to user-calls-{selfID} and starts dispatching.
func (l *InviteListener) Listen(ctx context.Context) error {
	sub, err := l.transport.Subscribe(ctx, UserCallsChannel(l.selfID))
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()

	go l.run(sub)
	return nil
}

func (l *InviteListener) Events() <-chan InviteEvent {
	return l.events
}

func (l *InviteListener) Close() {
	if !l.closed.set(true) {
		return
	}
	l.mu.Lock()
	sub := l.sub
	l.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Pending returns the invitation for callID if it has not expired.
func (l *InviteListener) Pending(callID string) *Invitation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending[callID]
}

// Take removes and returns a pending invitation, for the accept path.
func (l *InviteListener) Take(callID string) *Invitation {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv := l.pending[callID]
	delete(l.pending, callID)
	return inv
}

// DeclineCall rejects the pending invitation for callID. The notification
// goes to the call room and to the caller's personal channel, tolerating
// either side's subscription timing.
func (l *InviteListener) DeclineCall(ctx context.Context, callID string) error {
	inv := l.Take(callID)
	if inv == nil {
		return ErrUnknownInvite
	}

	self := l.contactRepo.LookupOrPlaceholder(l.selfID)
	msg, err := NewSignal(TypeCallDeclined, l.selfID, inv.Caller.UID, ResponsePayload{
		CallID: inv.CallID,
		UserID: l.selfID,
		Name:   self.Name,
	})
	if err != nil {
		return err
	}

	utils.Log().Info("declining call", "call_id", callID, "caller", inv.Caller.UID)
	return notifyBoth(ctx, l.transport, roomChannelFor(inv), UserCallsChannel(inv.Caller.UID), msg)
}

func (l *InviteListener) run(sub *Subscription) {
	for env := range sub.C {
		msg, err := DecodeSignal(env)
		if err != nil {
			utils.Log().Error(err, "ignoring malformed signal on personal channel", "user", l.selfID)
			continue
		}

		// self-originated echo
		if msg.Sender == l.selfID {
			continue
		}

		switch msg.Type {
		case TypeIncomingCall, TypeIncomingGroupCall:
			l.handleIncoming(msg)

		case TypeCallAccepted:
			if resp, err := msg.Response(); err == nil {
				l.emit(InviteEvent{Kind: InviteAccepted, CallID: resp.CallID, From: l.contactRepo.LookupOrPlaceholder(resp.UserID)})
			}

		case TypeCallDeclined:
			if resp, err := msg.Response(); err == nil {
				from := &contacts.UserContact{UID: resp.UserID, Name: resp.Name}
				if resp.Name == "" {
					from = l.contactRepo.LookupOrPlaceholder(resp.UserID)
				}
				l.emit(InviteEvent{Kind: InviteDeclined, CallID: resp.CallID, From: from})
			}

		case TypeCallEnded:
			if resp, err := msg.Response(); err == nil {
				// caller gave up, clear the ring screen
				if l.Take(resp.CallID) != nil {
					l.emit(InviteEvent{Kind: InviteEnded, CallID: resp.CallID})
				}
			}

		default:
			// room traffic does not belong on a personal channel
			utils.Log().V(2).Info("ignoring signal on personal channel", "type", msg.Type, "sender", msg.Sender)
		}
	}
}

func (l *InviteListener) handleIncoming(msg *SignalMessage) {
	payload, err := msg.Invite()
	if err != nil {
		utils.Log().Error(err, "ignoring malformed invite", "sender", msg.Sender)
		return
	}

	caller := &contacts.UserContact{UID: payload.Caller, Name: payload.CallerName, Avatar: payload.CallerAvatar}
	if caller.Name == "" {
		// lookup failure degrades to a placeholder, never blocks
		caller = l.contactRepo.LookupOrPlaceholder(payload.Caller)
	}

	inv := &Invitation{
		CallID:     payload.CallID,
		RoomID:     payload.RoomID,
		CircleID:   payload.CircleID,
		Kind:       payload.Kind,
		Caller:     caller,
		ReceivedAt: time.Now(),
	}

	l.mu.Lock()
	l.pending[inv.CallID] = inv
	l.mu.Unlock()

	time.AfterFunc(l.inviteTimeout, func() {
		l.expire(inv.CallID)
	})

	utils.Log().Info("incoming call", "call_id", inv.CallID, "caller", caller.UID, "kind", inv.Kind)
	l.emit(InviteEvent{Kind: InviteIncoming, CallID: inv.CallID, Invitation: inv})
}

func (l *InviteListener) expire(callID string) {
	if inv := l.Take(callID); inv != nil {
		utils.Log().V(1).Info("invitation expired", "call_id", callID)
		l.emit(InviteEvent{Kind: InviteExpired, CallID: callID, Invitation: inv})
	}
}

func (l *InviteListener) emit(ev InviteEvent) {
	if l.closed.get() {
		return
	}
	select {
	case l.events <- ev:
	default:
		utils.Log().Error(nil, "invite event dropped, consumer too slow", "kind", ev.Kind)
	}
}

func roomChannelFor(inv *Invitation) string {
	if KindIsGroup(inv.Kind) {
		return CircleCallChannel(inv.CircleID, inv.CallID)
	}
	return CallRoomChannel(inv.RoomID)
}
