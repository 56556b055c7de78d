package call

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

type meshMember struct {
	id     string
	orc    *Orchestrator
	media  *fakeMedia
	links  *linkFactory
	sess   *CallSession
	events *eventLog
}

func newMeshMember(id string, hub *fakeHub, timeouts Timeouts) *meshMember {
	media := &fakeMedia{}
	links := newLinkFactory()
	return &meshMember{
		id:    id,
		orc:   testOrchestrator(id, hub, media, links, timeouts),
		media: media,
		links: links,
	}
}

// buildMesh starts a circle call from alice and joins bob and carol.
func buildMesh(t *testing.T) (alice, bob, carol *meshMember) {
	t.Helper()
	asserts := assert.New(t)
	hub := newFakeHub()
	timeouts := testTimeouts()

	alice = newMeshMember("alice", hub, timeouts)
	bob = newMeshMember("bob", hub, timeouts)
	carol = newMeshMember("carol", hub, timeouts)

	var err error
	alice.sess, err = alice.orc.StartCircleCall(context.Background(), "circle1", []string{"bob", "carol"}, false)
	asserts.NoError(err)
	alice.events = watch(alice.sess)
	asserts.Equal(StatusMeshConnecting, alice.sess.Status())

	callID := alice.sess.ID()
	bob.sess, err = bob.orc.JoinCircleCall(context.Background(), "circle1", callID, false)
	asserts.NoError(err)
	bob.events = watch(bob.sess)

	carol.sess, err = carol.orc.JoinCircleCall(context.Background(), "circle1", callID, false)
	asserts.NoError(err)
	carol.events = watch(carol.sess)

	return alice, bob, carol
}

func Test_CircleCallMesh(t *testing.T) {
	asserts := assert.New(t)
	alice, bob, carol := buildMesh(t)

	// every member holds exactly one wrapper per other member
	asserts.Eventually(func() bool {
		return alice.links.count() == 2 && bob.links.count() == 2 && carol.links.count() == 2
	}, 3*time.Second, 10*time.Millisecond)

	// each pair negotiates once, smaller id offers
	asserts.Eventually(func() bool {
		pairs := []struct{ off, ans *fakeLink }{
			{alice.links.get("bob"), bob.links.get("alice")},
			{alice.links.get("carol"), carol.links.get("alice")},
			{bob.links.get("carol"), carol.links.get("bob")},
		}
		for _, p := range pairs {
			if p.off == nil || p.ans == nil || !p.off.remoteApplied() || !p.ans.remoteApplied() {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	asserts.Equal(1, alice.links.get("bob").offerCount())
	asserts.Equal(0, bob.links.get("alice").offerCount())
	asserts.Equal(1, alice.links.get("carol").offerCount())
	asserts.Equal(0, carol.links.get("alice").offerCount())
	asserts.Equal(1, bob.links.get("carol").offerCount())
	asserts.Equal(0, carol.links.get("bob").offerCount())

	// trickled candidates reach the matching wrapper on the other side
	alice.links.get("bob").fireCandidate(hostCandidate("50010"))
	asserts.Eventually(func() bool {
		link := bob.links.get("alice")
		link.mu.Lock()
		defer link.mu.Unlock()
		for _, c := range link.candidates {
			if c.Candidate == hostCandidate("50010").Candidate {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// candidates are never cross-routed to third parties
	carolToAlice := carol.links.get("alice")
	carolToAlice.mu.Lock()
	for _, c := range carolToAlice.candidates {
		asserts.NotEqual(hostCandidate("50010").Candidate, c.Candidate)
	}
	carolToAlice.mu.Unlock()

	for _, m := range []*meshMember{alice, bob, carol} {
		for _, other := range []*meshMember{alice, bob, carol} {
			if m.id == other.id {
				continue
			}
			m.links.get(other.id).fireState(webrtc.PeerConnectionStateConnected)
		}
	}

	asserts.Eventually(func() bool {
		return alice.sess.Status() == StatusConnected &&
			bob.sess.Status() == StatusConnected &&
			carol.sess.Status() == StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	// later hangups may find the call already gone once peers drain out
	for _, m := range []*meshMember{alice, bob, carol} {
		_ = m.orc.Hangup(m.sess.ID())
	}
}

func Test_CircleCallSurvivesPeerFailure(t *testing.T) {
	asserts := assert.New(t)
	alice, bob, carol := buildMesh(t)

	asserts.Eventually(func() bool {
		return alice.links.count() == 2 && bob.links.count() == 2 && carol.links.count() == 2
	}, 3*time.Second, 10*time.Millisecond)

	for _, m := range []*meshMember{alice, bob, carol} {
		for _, other := range []*meshMember{alice, bob, carol} {
			if m.id != other.id {
				m.links.get(other.id).fireState(webrtc.PeerConnectionStateConnected)
			}
		}
	}
	asserts.Eventually(func() bool {
		return alice.sess.Status() == StatusConnected && carol.sess.Status() == StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	// bob drops off the network
	alice.links.get("bob").fireState(webrtc.PeerConnectionStateFailed)
	carol.links.get("bob").fireState(webrtc.PeerConnectionStateFailed)

	// alice and carol only lose the bob wrapper, the call keeps going
	asserts.Eventually(func() bool {
		return len(alice.sess.Peers()) == 1 && len(carol.sess.Peers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	asserts.Equal(StatusConnected, alice.sess.Status())
	asserts.Equal(StatusConnected, carol.sess.Status())
	asserts.True(alice.links.get("bob").isClosed())
	asserts.True(alice.events.has(EventPeerLeft))
	asserts.False(alice.events.has(EventEnded))

	asserts.Equal("carol", alice.sess.Peers()[0].ID)
	asserts.Equal("alice", carol.sess.Peers()[0].ID)

	// when the last peer leaves too, the call ends
	asserts.NoError(carol.orc.Hangup(carol.sess.ID()))
	asserts.Eventually(func() bool {
		ended := alice.events.find(EventEnded)
		return ended != nil && ended.Reason == ReasonRemoteHangup
	}, 2*time.Second, 10*time.Millisecond)

	asserts.Equal(1, alice.media.releaseCount())
}

// Members who accepted an invitation can leave a circle call without
// tearing the room down for everyone else. Only the owner ends the room.
func Test_GroupMemberHangupKeepsMesh(t *testing.T) {
	asserts := assert.New(t)
	hub := newFakeHub()
	timeouts := testTimeouts()
	timeouts.Invite = 5 * time.Second

	alice := newMeshMember("alice", hub, timeouts)
	bob := newMeshMember("bob", hub, timeouts)
	carol := newMeshMember("carol", hub, timeouts)

	bobListener := NewInviteListener(hub, fakeContacts{}, "bob", timeouts.Invite)
	asserts.NoError(bobListener.Listen(context.Background()))
	defer bobListener.Close()
	carolListener := NewInviteListener(hub, fakeContacts{}, "carol", timeouts.Invite)
	asserts.NoError(carolListener.Listen(context.Background()))
	defer carolListener.Close()

	var err error
	alice.sess, err = alice.orc.StartCircleCall(context.Background(), "circle1", []string{"bob", "carol"}, false)
	asserts.NoError(err)
	alice.events = watch(alice.sess)
	callID := alice.sess.ID()

	asserts.Eventually(func() bool {
		return bobListener.Pending(callID) != nil && carolListener.Pending(callID) != nil
	}, 2*time.Second, 10*time.Millisecond)

	bob.sess, err = bob.orc.Accept(context.Background(), bobListener.Take(callID))
	asserts.NoError(err)
	bob.events = watch(bob.sess)

	carol.sess, err = carol.orc.Accept(context.Background(), carolListener.Take(callID))
	asserts.NoError(err)
	carol.events = watch(carol.sess)

	members := []*meshMember{alice, bob, carol}
	asserts.Eventually(func() bool {
		return alice.links.count() == 2 && bob.links.count() == 2 && carol.links.count() == 2
	}, 3*time.Second, 10*time.Millisecond)

	for _, m := range members {
		for _, other := range members {
			if m.id != other.id {
				m.links.get(other.id).fireState(webrtc.PeerConnectionStateConnected)
			}
		}
	}
	asserts.Eventually(func() bool {
		return alice.sess.Status() == StatusConnected &&
			bob.sess.Status() == StatusConnected &&
			carol.sess.Status() == StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	// bob leaves, the other two keep talking
	asserts.NoError(bob.orc.Hangup(callID))

	asserts.Eventually(func() bool {
		return bob.events.has(EventEnded) &&
			len(alice.sess.Peers()) == 1 && len(carol.sess.Peers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	asserts.Equal(StatusConnected, alice.sess.Status())
	asserts.Equal(StatusConnected, carol.sess.Status())
	asserts.False(alice.events.has(EventEnded))
	asserts.False(carol.events.has(EventEnded))
	asserts.True(alice.events.has(EventPeerLeft))
	asserts.Equal("carol", alice.sess.Peers()[0].ID)
	asserts.Equal(1, bob.media.releaseCount())

	// the owner hanging up does end the room for the remaining member
	asserts.NoError(alice.orc.Hangup(callID))
	asserts.Eventually(func() bool {
		return carol.events.has(EventEnded)
	}, 2*time.Second, 10*time.Millisecond)
}

func Test_DoubleStartGuard(t *testing.T) {
	asserts := assert.New(t)
	hub := newFakeHub()
	media := &fakeMedia{}
	factory := newLinkFactory()

	timeouts := testTimeouts()
	timeouts.Ring = 5 * time.Second

	orc := testOrchestrator("alice", hub, media, factory, timeouts)

	sess, err := orc.StartDirectCall(context.Background(), "bob", false)
	asserts.NoError(err)

	_, err = orc.StartDirectCall(context.Background(), "carol", false)
	asserts.ErrorIs(err, ErrCallInProgress)

	_, err = orc.StartCircleCall(context.Background(), "circle1", []string{"carol"}, false)
	asserts.ErrorIs(err, ErrCallInProgress)

	asserts.NoError(orc.Hangup(sess.ID()))

	// once the first call is gone, starting works again
	asserts.Eventually(func() bool {
		return orc.Active() == nil
	}, 2*time.Second, 10*time.Millisecond)

	sess2, err := orc.StartDirectCall(context.Background(), "carol", false)
	asserts.NoError(err)
	asserts.NoError(orc.Hangup(sess2.ID()))
}

func Test_HangupIdempotent(t *testing.T) {
	asserts := assert.New(t)
	hub := newFakeHub()
	media := &fakeMedia{}
	factory := newLinkFactory()

	timeouts := testTimeouts()
	timeouts.Ring = 5 * time.Second

	orc := testOrchestrator("alice", hub, media, factory, timeouts)

	sess, err := orc.StartDirectCall(context.Background(), "bob", false)
	asserts.NoError(err)
	log := watch(sess)

	asserts.NoError(orc.Hangup(sess.ID()))

	asserts.Eventually(func() bool {
		return log.has(EventEnded)
	}, 2*time.Second, 10*time.Millisecond)

	// the session is detached, further hangups report the call gone
	asserts.ErrorIs(orc.Hangup(sess.ID()), ErrCallEnded)
	asserts.ErrorIs(sess.Hangup(), ErrCallEnded)

	// media is never released twice
	asserts.Equal(1, media.releaseCount())
	asserts.Equal(StatusEnded, sess.Status())
}
