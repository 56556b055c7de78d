package call

import (
	"fmt"
	"sync"
	"sync/atomic"

	"baraza/utils"

	"github.com/pion/webrtc/v4"
)

type atomicBool int32

func (a *atomicBool) set(value bool) (swapped bool) {
	if value {
		return atomic.SwapInt32((*int32)(a), 1) == 0
	}
	return atomic.SwapInt32((*int32)(a), 0) == 1
}

func (a *atomicBool) get() bool {
	return atomic.LoadInt32((*int32)(a)) != 0
}

// PeerLink is what the call supervisor needs from one peer connection.
// Exactly one link exists per (call, remote peer) pair.
type PeerLink interface {
	ID() string
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddLocalStream(stream *LocalStream) error
	OnIceCandidate(func(*webrtc.ICECandidateInit))
	OnTrack(func(*webrtc.TrackRemote))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// PeerConn owns one network connection to exactly one remote peer.
// Candidates arriving before the remote description are buffered and
// flushed in arrival order once it is set. The wrapper never retries a
// lost link, retry policy belongs to the supervisor.
type PeerConn struct {
	sync.Mutex
	id     string
	pc     *webrtc.PeerConnection
	closed atomicBool

	remoteSet bool
	pending   []webrtc.ICECandidateInit

	onIceCandidate func(*webrtc.ICECandidateInit)
	onTrack        func(*webrtc.TrackRemote)
	onStateChange  func(webrtc.PeerConnectionState)
}

// NewPeerConn allocates the underlying connection configured with the
// external STUN/TURN endpoints. A nil api falls back to the default
// engine (no local media, used for data-only and tests).
func NewPeerConn(remoteID string, api *webrtc.API, iceServers []string) (*PeerConn, error) {
	conf := webrtc.Configuration{}
	if len(iceServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	var pc *webrtc.PeerConnection
	var err error
	if api != nil {
		pc, err = api.NewPeerConnection(conf)
	} else {
		pc, err = webrtc.NewPeerConnection(conf)
	}
	if err != nil {
		return nil, fmt.Errorf("error creating peer connection: %w", err)
	}

	p := &PeerConn{id: remoteID, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.Lock()
		cb := p.onIceCandidate
		p.Unlock()
		if cb != nil && !p.closed.get() {
			json := c.ToJSON()
			cb(&json)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.Lock()
		cb := p.onTrack
		p.Unlock()
		if cb != nil && !p.closed.get() {
			cb(track)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.Lock()
		cb := p.onStateChange
		p.Unlock()
		if cb != nil && !p.closed.get() {
			cb(s)
		}
	})

	return p, nil
}

// ID returns the remote peer id this link is bound to.
func (p *PeerConn) ID() string {
	return p.id
}

func (p *PeerConn) OnIceCandidate(cb func(*webrtc.ICECandidateInit)) {
	p.Lock()
	defer p.Unlock()
	p.onIceCandidate = cb
}

func (p *PeerConn) OnTrack(cb func(*webrtc.TrackRemote)) {
	p.Lock()
	defer p.Unlock()
	p.onTrack = cb
}

func (p *PeerConn) OnConnectionStateChange(cb func(webrtc.PeerConnectionState)) {
	p.Lock()
	defer p.Unlock()
	p.onStateChange = cb
}

// AddLocalStream attaches outbound tracks. The stream stays owned by the
// media manager, the link only references its tracks.
func (p *PeerConn) AddLocalStream(stream *LocalStream) error {
	if p.closed.get() {
		return ErrPeerClosed
	}
	if stream == nil {
		return nil
	}
	for _, track := range stream.Tracks() {
		_, err := p.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return fmt.Errorf("error attaching local track: %w", err)
		}
	}
	return nil
}

// CreateOffer commits a local description and starts candidate gathering.
func (p *PeerConn) CreateOffer() (webrtc.SessionDescription, error) {
	if p.closed.get() {
		return webrtc.SessionDescription{}, ErrPeerClosed
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error creating offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error committing offer: %w", err)
	}

	utils.Log().V(1).Info("offer created", "peer_id", p.id)
	return offer, nil
}

// CreateAnswer is only valid after a remote offer has been applied.
func (p *PeerConn) CreateAnswer() (webrtc.SessionDescription, error) {
	if p.closed.get() {
		return webrtc.SessionDescription{}, ErrPeerClosed
	}

	p.Lock()
	remoteSet := p.remoteSet
	p.Unlock()
	if !remoteSet {
		return webrtc.SessionDescription{}, ErrNoRemoteOffer
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error creating answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("error committing answer: %w", err)
	}

	utils.Log().V(1).Info("answer created", "peer_id", p.id)
	return answer, nil
}

// SetRemoteDescription applies the remote offer/answer and flushes any
// buffered candidates in their arrival order.
func (p *PeerConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if p.closed.get() {
		return ErrPeerClosed
	}

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	p.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.Unlock()

	for _, candidate := range pending {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			utils.Log().Error(err, "error applying buffered candidate", "peer_id", p.id)
		}
	}
	if len(pending) > 0 {
		utils.Log().V(1).Info("flushed buffered candidates", "peer_id", p.id, "count", len(pending))
	}

	return nil
}

// AddICECandidate applies a candidate, or buffers it while the remote
// description is still missing. Ordering per peer is preserved.
func (p *PeerConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if p.closed.get() {
		return ErrPeerClosed
	}

	p.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		p.Unlock()
		return nil
	}
	p.Unlock()

	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("setting ice candidate: %w", err)
	}
	return nil
}

// Close releases all connection resources. Safe to call multiple times.
func (p *PeerConn) Close() error {
	if !p.closed.set(true) {
		return nil
	}

	utils.Log().V(2).Info("closing peer connection", "peer_id", p.id)
	return p.pc.Close()
}
