package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	threadCollection  = "chat_threads"
	messageCollection = "chat_messages"
)

func (s *MongoStore) chat(ctx context.Context, name string) (*mongo.Collection, error) {
	c, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.Database(s.database).Collection(name), nil
}

func (s *MongoStore) ensureChatIndexes(ctx context.Context) error {
	threads, err := s.chat(ctx, threadCollection)
	if err != nil {
		return err
	}
	_, err = threads.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "patientId", Value: 1}, {Key: "updatedAt", Value: -1}}, Options: options.Index().SetName("patient_updated")},
		{Keys: bson.D{{Key: "doctorId", Value: 1}, {Key: "updatedAt", Value: -1}}, Options: options.Index().SetName("doctor_updated")},
	})
	if err != nil {
		return fmt.Errorf("create chat thread indexes: %w", err)
	}
	messages, err := s.chat(ctx, messageCollection)
	if err != nil {
		return err
	}
	_, err = messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chatId", Value: 1}, {Key: "createdAt", Value: -1}},
		Options: options.Index().SetName("chat_created"),
	})
	if err != nil {
		return fmt.Errorf("create chat message indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) EnsureThread(ctx context.Context, t model.Thread) (model.Thread, error) {
	coll, err := s.chat(ctx, threadCollection)
	if err != nil {
		return model.Thread{}, err
	}
	insert := bson.M{
		"patientId": t.PatientID,
		"doctorId":  t.DoctorID,
		"createdAt": t.CreatedAt,
		"updatedAt": t.UpdatedAt,
	}
	var stored model.Thread
	err = coll.FindOneAndUpdate(ctx, bson.M{"_id": t.ID}, bson.M{"$setOnInsert": insert},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&stored)
	if mongo.IsDuplicateKeyError(err) {
		// A concurrent upsert inserted it first.
		return s.GetThread(ctx, t.ID)
	}
	if err != nil {
		return model.Thread{}, fmt.Errorf("ensure chat thread: %w", err)
	}
	return stored, nil
}

func (s *MongoStore) GetThread(ctx context.Context, id string) (model.Thread, error) {
	coll, err := s.chat(ctx, threadCollection)
	if err != nil {
		return model.Thread{}, err
	}
	var t model.Thread
	err = coll.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Thread{}, ErrThreadNotFound
	}
	if err != nil {
		return model.Thread{}, fmt.Errorf("get chat thread: %w", err)
	}
	return t, nil
}

func (s *MongoStore) ListThreads(ctx context.Context, f ThreadFilter) ([]model.Thread, error) {
	coll, err := s.chat(ctx, threadCollection)
	if err != nil {
		return nil, err
	}
	filter := bson.M{}
	if f.PatientID != "" {
		filter["patientId"] = f.PatientID
	}
	if f.DoctorID != "" {
		filter["doctorId"] = f.DoctorID
	}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find chat threads: %w", err)
	}
	threads := []model.Thread{}
	if err := cur.All(ctx, &threads); err != nil {
		return nil, fmt.Errorf("decode chat threads: %w", err)
	}
	return threads, nil
}

// AppendMessage inserts before touching the thread; callers check the thread exists first.
func (s *MongoStore) AppendMessage(ctx context.Context, m model.Message) error {
	messages, err := s.chat(ctx, messageCollection)
	if err != nil {
		return err
	}
	if _, err := messages.InsertOne(ctx, m); err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	threads, err := s.chat(ctx, threadCollection)
	if err != nil {
		return err
	}
	res, err := threads.UpdateOne(ctx, bson.M{"_id": m.ChatID}, bson.M{"$max": bson.M{"updatedAt": m.CreatedAt}})
	if err != nil {
		return fmt.Errorf("touch chat thread: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrThreadNotFound
	}
	return nil
}

func (s *MongoStore) ListMessages(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	coll, err := s.chat(ctx, messageCollection)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := coll.Find(ctx, bson.M{"chatId": chatID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find chat messages: %w", err)
	}
	msgs := []model.Message{}
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("decode chat messages: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}
