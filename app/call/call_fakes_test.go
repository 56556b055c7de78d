package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"baraza/components/contacts"

	"github.com/pion/webrtc/v4"
)

// fakeHub is an in-process Transport with the same envelope, roster and
// membership behaviour as the redis one, so session logic can be driven
// end to end without a broker.
type fakeHub struct {
	mu       sync.Mutex
	subs     map[string][]*Subscription
	presence map[string][]string
	failSub  bool
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		subs:     make(map[string][]*Subscription),
		presence: make(map[string][]string),
	}
}

func (me *fakeHub) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.failSub {
		return nil, ErrSignalingTimeout
	}

	out := make(chan Envelope, 64)
	sub := &Subscription{C: out, channel: channel}
	sub.cancel = func() {
		me.mu.Lock()
		list := me.subs[channel]
		for i, s := range list {
			if s == sub {
				me.subs[channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		me.mu.Unlock()
		close(out)
	}

	me.subs[channel] = append(me.subs[channel], sub)
	return sub, nil
}

func (me *fakeHub) Join(ctx context.Context, channel, selfID string) (*Subscription, error) {
	sub, err := me.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}

	me.mu.Lock()
	peers := append([]string(nil), me.presence[channel]...)
	me.presence[channel] = append(me.presence[channel], selfID)
	me.mu.Unlock()

	if roster, err := NewSignal(TypeExistingPeers, TransportSender, selfID, PeersPayload{PeerIDs: peers}); err == nil {
		if data, err := json.Marshal(roster); err == nil {
			sub.C <- Envelope{Event: TypeExistingPeers, Data: data}
		}
	}

	if joined, err := NewSignal(TypePeerJoined, selfID, "", nil); err == nil {
		me.Send(ctx, channel, TypePeerJoined, joined)
	}

	inner := sub.cancel
	sub.cancel = func() {
		me.mu.Lock()
		list := me.presence[channel]
		for i, id := range list {
			if id == selfID {
				me.presence[channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		me.mu.Unlock()
		if left, err := NewSignal(TypePeerLeft, selfID, "", nil); err == nil {
			me.Send(context.Background(), channel, TypePeerLeft, left)
		}
		inner()
	}

	return sub, nil
}

func (me *fakeHub) Send(ctx context.Context, channel string, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{Event: event, Data: data}

	me.mu.Lock()
	targets := append([]*Subscription(nil), me.subs[channel]...)
	me.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.C <- env:
		default:
		}
	}
	return nil
}

func (me *fakeHub) Connected(channel string) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return len(me.subs[channel]) > 0
}

// fakeLink records signaling without opening a network connection.
type fakeLink struct {
	mu        sync.Mutex
	id        string
	offers    int
	answers   int
	remoteSet bool
	streams   int
	closed    bool

	candidates []webrtc.ICECandidateInit

	onCandidate func(*webrtc.ICECandidateInit)
	onTrack     func(*webrtc.TrackRemote)
	onState     func(webrtc.PeerConnectionState)
}

func (me *fakeLink) ID() string { return me.id }

func (me *fakeLink) CreateOffer() (webrtc.SessionDescription, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return webrtc.SessionDescription{}, ErrPeerClosed
	}
	me.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake offer"}, nil
}

func (me *fakeLink) CreateAnswer() (webrtc.SessionDescription, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return webrtc.SessionDescription{}, ErrPeerClosed
	}
	if !me.remoteSet {
		return webrtc.SessionDescription{}, ErrNoRemoteOffer
	}
	me.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake answer"}, nil
}

func (me *fakeLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return ErrPeerClosed
	}
	me.remoteSet = true
	return nil
}

func (me *fakeLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.closed {
		return ErrPeerClosed
	}
	me.candidates = append(me.candidates, candidate)
	return nil
}

func (me *fakeLink) AddLocalStream(stream *LocalStream) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if stream != nil {
		me.streams++
	}
	return nil
}

func (me *fakeLink) OnIceCandidate(cb func(*webrtc.ICECandidateInit)) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.onCandidate = cb
}

func (me *fakeLink) OnTrack(cb func(*webrtc.TrackRemote)) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.onTrack = cb
}

func (me *fakeLink) OnConnectionStateChange(cb func(webrtc.PeerConnectionState)) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.onState = cb
}

func (me *fakeLink) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.closed = true
	return nil
}

func (me *fakeLink) fireState(s webrtc.PeerConnectionState) {
	me.mu.Lock()
	cb := me.onState
	me.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (me *fakeLink) fireCandidate(c webrtc.ICECandidateInit) {
	me.mu.Lock()
	cb := me.onCandidate
	me.mu.Unlock()
	if cb != nil {
		cb(&c)
	}
}

func (me *fakeLink) offerCount() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.offers
}

func (me *fakeLink) remoteApplied() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.remoteSet
}

func (me *fakeLink) isClosed() bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.closed
}

// linkFactory hands out fakeLinks and remembers them per remote id.
type linkFactory struct {
	mu    sync.Mutex
	links map[string]*fakeLink
}

func newLinkFactory() *linkFactory {
	return &linkFactory{links: make(map[string]*fakeLink)}
}

func (me *linkFactory) new(remoteID string) (PeerLink, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	link := &fakeLink{id: remoteID}
	me.links[remoteID] = link
	return link, nil
}

func (me *linkFactory) get(remoteID string) *fakeLink {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.links[remoteID]
}

func (me *linkFactory) count() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return len(me.links)
}

// fakeMedia acquires instantly and counts releases.
type fakeMedia struct {
	mu       sync.Mutex
	failWith error
	acquired int
	released int
}

func (me *fakeMedia) Acquire(callID string, withVideo bool) (*LocalStream, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.failWith != nil {
		return nil, me.failWith
	}
	me.acquired++
	return &LocalStream{callID: callID}, nil
}

func (me *fakeMedia) Release(stream *LocalStream) {
	if stream == nil {
		return
	}
	if !stream.released.set(true) {
		return
	}
	me.mu.Lock()
	me.released++
	me.mu.Unlock()
}

func (me *fakeMedia) releaseCount() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.released
}

// fakeContacts always answers with a placeholder profile.
type fakeContacts struct{}

func (fakeContacts) FindUserByUID(uid string) (*contacts.UserContact, error) {
	return nil, errors.New("user unavailable")
}

func (fakeContacts) FindUserByUsername(username string) (*contacts.UserContact, error) {
	return nil, errors.New("user unavailable")
}

func (fakeContacts) LookupOrPlaceholder(uid string) *contacts.UserContact {
	return contacts.Placeholder(uid)
}

// testOrchestrator wires an orchestrator onto the fake stack.
func testOrchestrator(localID string, hub *fakeHub, media *fakeMedia, factory *linkFactory, timeouts Timeouts) *Orchestrator {
	orc := NewOrchestrator(localID, hub, media, fakeContacts{}, nil, nil, timeouts)
	orc.newLink = factory.new
	return orc
}

func testTimeouts() Timeouts {
	return Timeouts{
		Subscribe: 2 * time.Second,
		Ring:      300 * time.Millisecond,
		Invite:    time.Second,
	}
}
