package contacts

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type ContactRepository struct {
	userCollection *mongo.Collection
	ctx            context.Context
}

type I_ContactRepo interface {
	FindUserByUID(uid string) (*UserContact, error)
	FindUserByUsername(username string) (*UserContact, error)
	// LookupOrPlaceholder never fails, see Placeholder.
	LookupOrPlaceholder(uid string) *UserContact
}

func NewContactRepository(userCollection *mongo.Collection, ctx context.Context) I_ContactRepo {
	return &ContactRepository{userCollection, ctx}
}

func (me *ContactRepository) FindUserByUID(uid string) (*UserContact, error) {
	query := bson.M{"uid": uid}

	var user *UserContact
	if err := me.userCollection.FindOne(me.ctx, query).Decode(&user); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.New("user unavailable")
		}
		return nil, err
	}

	return user, nil
}

func (me *ContactRepository) FindUserByUsername(username string) (*UserContact, error) {
	query := bson.M{"username": username}

	var user *UserContact
	if err := me.userCollection.FindOne(me.ctx, query).Decode(&user); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.New("user unavailable")
		}
		return nil, err
	}

	return user, nil
}

func (me *ContactRepository) LookupOrPlaceholder(uid string) *UserContact {
	user, err := me.FindUserByUID(uid)
	if err != nil {
		return Placeholder(uid)
	}
	return user
}
