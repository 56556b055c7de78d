package callrecord

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type CallRecordRepository struct {
	recordCollection *mongo.Collection
	ctx              context.Context
}

type I_CallRecordRepo interface {
	AddRecord(record *CreateCallRecord) (*CallRecord, error)
	FindRecordByUID(uid string) (*CallRecord, error)
	SetStatus(uid string, status RecordStatus) error
	FindRecordsByUser(userUID string, page int, limit int) ([]*CallRecord, error)
}

func NewCallRecordRepository(recordCollection *mongo.Collection, ctx context.Context) I_CallRecordRepo {
	return &CallRecordRepository{recordCollection, ctx}
}

func (me *CallRecordRepository) AddRecord(record *CreateCallRecord) (*CallRecord, error) {
	record.CreatedAt = time.Now()
	record.UpdatedAt = record.CreatedAt

	res, err := me.recordCollection.InsertOne(me.ctx, record)
	if err != nil {
		if er, ok := err.(mongo.WriteException); ok && er.WriteErrors[0].Code == 11000 {
			return nil, errors.New("call record already exists")
		}
		return nil, err
	}

	opt := options.Index()
	opt.SetUnique(true)

	index := mongo.IndexModel{Keys: bson.M{"uid": 1}, Options: opt}

	if _, err := me.recordCollection.Indexes().CreateOne(me.ctx, index); err != nil {
		return nil, err
	}

	var newRecord *CallRecord
	query := bson.M{"_id": res.InsertedID}
	if err = me.recordCollection.FindOne(me.ctx, query).Decode(&newRecord); err != nil {
		return nil, err
	}

	return newRecord, nil
}

func (me *CallRecordRepository) FindRecordByUID(uid string) (*CallRecord, error) {
	query := bson.M{"uid": uid}

	var record *CallRecord
	if err := me.recordCollection.FindOne(me.ctx, query).Decode(&record); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.New("call record unavailable")
		}
		return nil, err
	}

	return record, nil
}

func (me *CallRecordRepository) SetStatus(uid string, status RecordStatus) error {
	query := bson.M{"uid": uid}
	update := bson.M{"$set": bson.M{"status": status, "updated_at": time.Now()}}

	if status == StatusEnded || status == StatusMissed || status == StatusDeclined || status == StatusFailed {
		update = bson.M{"$set": bson.M{"status": status, "updated_at": time.Now(), "ended_at": time.Now()}}
	}

	res, err := me.recordCollection.UpdateOne(me.ctx, query, update)
	if err != nil {
		return err
	}

	if res.MatchedCount == 0 {
		return errors.New("no call record with that uid exists")
	}

	return nil
}

func (me *CallRecordRepository) FindRecordsByUser(userUID string, page int, limit int) ([]*CallRecord, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	opt := options.Find()
	opt.SetSort(bson.M{"created_at": -1})
	opt.SetSkip(int64((page - 1) * limit))
	opt.SetLimit(int64(limit))

	query := bson.M{"$or": []bson.M{
		{"caller": userUID},
		{"participants": userUID},
	}}

	cursor, err := me.recordCollection.Find(me.ctx, query, opt)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(me.ctx)

	var records []*CallRecord
	if err := cursor.All(me.ctx, &records); err != nil {
		return nil, err
	}

	return records, nil
}
