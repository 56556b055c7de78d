package callrecord

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type RecordStatus = string

const (
	StatusInitiated RecordStatus = "initiated"
	StatusOngoing   RecordStatus = "ongoing"
	StatusEnded     RecordStatus = "ended"
	StatusMissed    RecordStatus = "missed"
	StatusDeclined  RecordStatus = "declined"
	StatusFailed    RecordStatus = "failed"
)

// CreateCallRecord is the minimal record written when a call starts,
// kept for history and audit. Signaling only ever reads room_id and
// participants back.
type CreateCallRecord struct {
	UID          string       `json:"uid" bson:"uid"`
	RoomID       string       `json:"room_id" bson:"room_id"`
	Caller       string       `json:"caller" bson:"caller"`
	CallType     string       `json:"call_type" bson:"call_type"`
	Participants []string     `json:"participants" bson:"participants"`
	Status       RecordStatus `json:"status" bson:"status"`
	CreatedAt    time.Time    `json:"created_at,omitempty" bson:"created_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
}

type CallRecord struct {
	Id           primitive.ObjectID `json:"id,omitempty" bson:"_id,omitempty"`
	UID          string             `json:"uid" bson:"uid"`
	RoomID       string             `json:"room_id" bson:"room_id"`
	Caller       string             `json:"caller" bson:"caller"`
	CallType     string             `json:"call_type" bson:"call_type"`
	Participants []string           `json:"participants" bson:"participants"`
	Status       RecordStatus       `json:"status" bson:"status"`
	CreatedAt    time.Time          `json:"created_at,omitempty" bson:"created_at,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
	EndedAt      *time.Time         `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
}

func (record *CallRecord) GetId() string {
	return record.UID
}

func (record *CallRecord) GetRoomID() string {
	return record.RoomID
}
