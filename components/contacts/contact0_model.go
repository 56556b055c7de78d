package contacts

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UserContact is the public face of a user as shown on an invitation
// screen. Identity itself is owned elsewhere, this package only reads it.
type UserContact struct {
	Id       primitive.ObjectID `json:"-" bson:"_id,omitempty"`
	UID      string             `json:"uid" bson:"uid"`
	Name     string             `json:"name" bson:"name"`
	Username string             `json:"username" bson:"username"`
	Avatar   string             `json:"avatar" bson:"avatar"`
}

func (me *UserContact) GetUID() string {
	return me.UID
}

func (me *UserContact) GetUsername() string {
	return me.Username
}

// Placeholder returned when a profile lookup fails. Lookup failure must
// degrade the invitation UI, never block signaling.
func Placeholder(uid string) *UserContact {
	return &UserContact{
		UID:      uid,
		Name:     "Unknown",
		Username: "unknown",
		Avatar:   "",
	}
}
