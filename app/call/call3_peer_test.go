package call

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func hostCandidate(port string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate: "candidate:2130706431 1 udp 2130706431 10.0.0.1 " + port + " typ host",
	}
}

func Test_PeerConnBuffersEarlyCandidates(t *testing.T) {
	asserts := assert.New(t)

	offerer, err := NewPeerConn("bob", nil, nil)
	asserts.NoError(err)
	defer offerer.Close()

	answerer, err := NewPeerConn("alice", nil, nil)
	asserts.NoError(err)
	defer answerer.Close()

	// candidates ahead of the description must not be lost or reordered
	asserts.NoError(answerer.AddICECandidate(hostCandidate("50001")))
	asserts.NoError(answerer.AddICECandidate(hostCandidate("50002")))
	asserts.NoError(answerer.AddICECandidate(hostCandidate("50003")))

	answerer.Lock()
	asserts.Len(answerer.pending, 3)
	asserts.Contains(answerer.pending[0].Candidate, "50001")
	asserts.Contains(answerer.pending[2].Candidate, "50003")
	answerer.Unlock()

	_, err = offerer.pc.CreateDataChannel("control", nil)
	asserts.NoError(err)
	offer, err := offerer.CreateOffer()
	asserts.NoError(err)

	asserts.NoError(answerer.SetRemoteDescription(offer))

	// buffer drained on flush
	answerer.Lock()
	asserts.Empty(answerer.pending)
	asserts.True(answerer.remoteSet)
	answerer.Unlock()

	// late candidates now apply directly
	asserts.NoError(answerer.AddICECandidate(hostCandidate("50004")))
	answerer.Lock()
	asserts.Empty(answerer.pending)
	answerer.Unlock()
}

func Test_PeerConnAnswerRequiresOffer(t *testing.T) {
	asserts := assert.New(t)

	p, err := NewPeerConn("bob", nil, nil)
	asserts.NoError(err)
	defer p.Close()

	_, err = p.CreateAnswer()
	asserts.ErrorIs(err, ErrNoRemoteOffer)
}

func Test_PeerConnOfferAnswerRoundTrip(t *testing.T) {
	asserts := assert.New(t)

	offerer, err := NewPeerConn("bob", nil, nil)
	asserts.NoError(err)
	defer offerer.Close()

	answerer, err := NewPeerConn("alice", nil, nil)
	asserts.NoError(err)
	defer answerer.Close()

	_, err = offerer.pc.CreateDataChannel("control", nil)
	asserts.NoError(err)

	offer, err := offerer.CreateOffer()
	asserts.NoError(err)
	asserts.Equal(webrtc.SDPTypeOffer, offer.Type)

	asserts.NoError(answerer.SetRemoteDescription(offer))

	answer, err := answerer.CreateAnswer()
	asserts.NoError(err)
	asserts.Equal(webrtc.SDPTypeAnswer, answer.Type)

	asserts.NoError(offerer.SetRemoteDescription(answer))
}

func Test_PeerConnCloseIdempotent(t *testing.T) {
	asserts := assert.New(t)

	p, err := NewPeerConn("bob", nil, nil)
	asserts.NoError(err)

	asserts.NoError(p.Close())
	asserts.NoError(p.Close())

	// everything after close fails the same way
	_, err = p.CreateOffer()
	asserts.ErrorIs(err, ErrPeerClosed)
	err = p.AddICECandidate(hostCandidate("50001"))
	asserts.ErrorIs(err, ErrPeerClosed)
	err = p.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	asserts.ErrorIs(err, ErrPeerClosed)
}
