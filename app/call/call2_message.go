package call

import (
	"encoding/json"
	"fmt"

	"baraza/utils"

	"github.com/pion/webrtc/v4"
)

type SignalType = string

const (
	TypeOffer         SignalType = "offer"
	TypeAnswer        SignalType = "answer"
	TypeCandidate     SignalType = "ice-candidate"
	TypePeerJoined    SignalType = "peer-joined"
	TypePeerLeft      SignalType = "peer-left"
	TypeExistingPeers SignalType = "existing-peers"

	TypeIncomingCall      SignalType = "incoming-call"
	TypeIncomingGroupCall SignalType = "incoming-group-call"
	TypeCallAccepted      SignalType = "call-accepted"
	TypeCallDeclined      SignalType = "call-declined"
	TypeCallEnded         SignalType = "call-ended"
)

var knownSignalTypes = []string{
	TypeOffer, TypeAnswer, TypeCandidate,
	TypePeerJoined, TypePeerLeft, TypeExistingPeers,
	TypeIncomingCall, TypeIncomingGroupCall,
	TypeCallAccepted, TypeCallDeclined, TypeCallEnded,
}

// SignalMessage is the envelope exchanged over the transport. Data holds a
// payload whose shape is determined by Type. Messages are transient, never
// persisted and never retried by this layer.
type SignalMessage struct {
	Type   SignalType      `json:"type"`
	Sender string          `json:"sender"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// DescriptionPayload carries a session description for offer/answer.
type DescriptionPayload struct {
	Description webrtc.SessionDescription `json:"description"`
}

// CandidatePayload carries one trickled ice candidate.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// PeersPayload carries the room roster for existing-peers.
type PeersPayload struct {
	PeerIDs []string `json:"peer_ids"`
}

// InvitePayload rings a user on their personal channel.
type InvitePayload struct {
	CallID       string   `json:"call_id"`
	RoomID       string   `json:"room_id"`
	CircleID     string   `json:"circle_id,omitempty"`
	Kind         CallKind `json:"kind"`
	Caller       string   `json:"caller"`
	CallerName   string   `json:"caller_name,omitempty"`
	CallerAvatar string   `json:"caller_avatar,omitempty"`
}

// ResponsePayload carries accept/decline/ended notifications.
type ResponsePayload struct {
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

func NewSignal(typ SignalType, sender, target string, payload interface{}) (*SignalMessage, error) {
	msg := &SignalMessage{Type: typ, Sender: sender, Target: target}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}
	return msg, nil
}

// DecodeSignal parses the envelope data of a delivered message and rejects
// unknown kinds so a malformed sender can never crash a consumer.
func DecodeSignal(env Envelope) (*SignalMessage, error) {
	var msg SignalMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return nil, fmt.Errorf("malformed signal envelope: %w", err)
	}

	if !utils.StringInSlice(msg.Type, knownSignalTypes) {
		return nil, fmt.Errorf("unknown signal type %q", msg.Type)
	}
	if msg.Sender == "" {
		return nil, fmt.Errorf("signal %q without sender", msg.Type)
	}

	return &msg, nil
}

func (me *SignalMessage) Description() (webrtc.SessionDescription, error) {
	var p DescriptionPayload
	if err := json.Unmarshal(me.Data, &p); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if p.Description.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("signal %q without description", me.Type)
	}
	return p.Description, nil
}

func (me *SignalMessage) Candidate() (webrtc.ICECandidateInit, error) {
	var p CandidatePayload
	if err := json.Unmarshal(me.Data, &p); err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	return p.Candidate, nil
}

func (me *SignalMessage) PeerIDs() ([]string, error) {
	var p PeersPayload
	if err := json.Unmarshal(me.Data, &p); err != nil {
		return nil, err
	}
	return p.PeerIDs, nil
}

func (me *SignalMessage) Invite() (*InvitePayload, error) {
	var p InvitePayload
	if err := json.Unmarshal(me.Data, &p); err != nil {
		return nil, err
	}
	if p.CallID == "" || p.RoomID == "" {
		return nil, fmt.Errorf("invite without call or room id")
	}
	return &p, nil
}

func (me *SignalMessage) Response() (*ResponsePayload, error) {
	var p ResponsePayload
	if err := json.Unmarshal(me.Data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
