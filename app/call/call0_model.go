package call

import (
	"errors"
	"time"

	"github.com/lucsky/cuid"
)

type CallKind = string

const (
	DirectAudio CallKind = "direct-audio"
	DirectVideo CallKind = "direct-video"
	GroupAudio  CallKind = "group-audio"
	GroupVideo  CallKind = "group-video"
)

func KindHasVideo(kind CallKind) bool {
	return kind == DirectVideo || kind == GroupVideo
}

func KindIsGroup(kind CallKind) bool {
	return kind == GroupAudio || kind == GroupVideo
}

type CallStatus = string

const (
	StatusIdle           CallStatus = "idle"
	StatusAcquiringMedia CallStatus = "acquiring-media"
	StatusSignaling      CallStatus = "signaling-connect"
	StatusRinging        CallStatus = "ringing"
	StatusMeshConnecting CallStatus = "mesh-connecting"
	StatusConnected      CallStatus = "connected"
	StatusEnded          CallStatus = "ended"
	StatusFailed         CallStatus = "failed"
)

type EndReason = string

const (
	ReasonHangup           EndReason = "hangup"
	ReasonRemoteHangup     EndReason = "remote-hangup"
	ReasonDeclined         EndReason = "declined"
	ReasonNoAnswer         EndReason = "no-answer"
	ReasonMediaError       EndReason = "media-error"
	ReasonSignalingTimeout EndReason = "signaling-timeout"
	ReasonConnectionFailed EndReason = "connection-failed"
)

var (
	// ErrPermissionDenied user or OS refused camera/microphone access
	ErrPermissionDenied = errors.New("media permission denied")
	// ErrDeviceNotFound no camera/microphone present
	ErrDeviceNotFound = errors.New("no capture device found")
	// ErrDeviceBusy device held by another process
	ErrDeviceBusy = errors.New("capture device busy")
	// ErrMediaFailure capture failed for a reason outside the device taxonomy
	ErrMediaFailure = errors.New("media capture failed")
	// ErrAcquireInProgress a second acquire while one is outstanding for the same call
	ErrAcquireInProgress = errors.New("media acquisition already outstanding for this call")
	// ErrSignalingTimeout channel subscription or handshake step exceeded its bound
	ErrSignalingTimeout = errors.New("signaling channel timeout")
	// ErrCallInProgress start requested while another call is active or starting
	ErrCallInProgress = errors.New("another call is already in progress")
	// ErrCallEnded operation on a call that already reached a terminal state
	ErrCallEnded = errors.New("call already ended")
	// ErrUnknownInvite accept/decline for an invitation that is not pending
	ErrUnknownInvite = errors.New("no pending invitation with that call id")
	// ErrNoRemoteOffer answer requested before a remote offer was applied
	ErrNoRemoteOffer = errors.New("no remote offer to answer")
	// ErrPeerClosed signaling attempted on a closed peer connection
	ErrPeerClosed = errors.New("peer connection closed")
)

// Call represents one logical session, owned by its CallSession supervisor.
type Call struct {
	ID           string     `json:"id"`
	RoomID       string     `json:"room_id"`
	CircleID     string     `json:"circle_id,omitempty"`
	Kind         CallKind   `json:"kind"`
	Caller       string     `json:"caller"`
	Participants []string   `json:"participants"`
	Status       CallStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// NewDirectCall builds a call to a single callee. The room id carries a
// random suffix so two calls between the same users never collide.
func NewDirectCall(caller, callee string, kind CallKind) *Call {
	id := cuid.New()
	return &Call{
		ID:           id,
		RoomID:       id + "-" + cuid.Slug(),
		Kind:         kind,
		Caller:       caller,
		Participants: []string{callee},
		Status:       StatusIdle,
		CreatedAt:    time.Now(),
	}
}

// NewCircleCall builds a group call inside a circle. Participants may grow
// as members join the mesh.
func NewCircleCall(caller, circleID string, kind CallKind, members []string) *Call {
	id := cuid.New()
	return &Call{
		ID:           id,
		RoomID:       id + "-" + cuid.Slug(),
		CircleID:     circleID,
		Kind:         kind,
		Caller:       caller,
		Participants: members,
		Status:       StatusIdle,
		CreatedAt:    time.Now(),
	}
}

// Peer is a snapshot of one remote party inside a call.
type Peer struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Initiator bool   `json:"initiator"`
	HasTrack  bool   `json:"has_track"`
}

// Channel naming convention, bit-exact for interop with other clients.

func UserCallsChannel(userID string) string {
	return "user-calls-" + userID
}

func CallRoomChannel(roomID string) string {
	return "call-room-" + roomID
}

func CircleCallChannel(circleID, callID string) string {
	return "circle-" + circleID + "-" + callID
}

// Initiates reports whether the local side creates the first offer toward
// remote. Lexicographic order on user ids, so both ends compute the same
// initiator without a negotiation round-trip.
func Initiates(localID, remoteID string) bool {
	return localID < remoteID
}

// Timeouts bound every suspension point in the call state machine.
type Timeouts struct {
	Subscribe time.Duration
	Ring      time.Duration
	Invite    time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Subscribe: 5 * time.Second,
		Ring:      30 * time.Second,
		Invite:    30 * time.Second,
	}
}
