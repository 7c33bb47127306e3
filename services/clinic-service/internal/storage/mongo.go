package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/clinicdesk/services/clinic-service/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ClientSource yields a live client. In the service it is the connection guard's Ensure.
type ClientSource func(ctx context.Context) (*mongo.Client, error)

type MongoStore struct {
	client   ClientSource
	database string
}

func NewMongoStore(client ClientSource, database string) *MongoStore {
	return &MongoStore{client: client, database: database}
}

func (s *MongoStore) collection(ctx context.Context) (*mongo.Collection, error) {
	c, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	return c.Database(s.database).Collection(collectionName), nil
}

func (s *MongoStore) EnsureSchema(ctx context.Context) error {
	coll, err := s.collection(ctx)
	if err != nil {
		return err
	}
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "doctorId", Value: 1}, {Key: "startTime", Value: 1}}, Options: options.Index().SetName("doctor_start")},
		{Keys: bson.D{{Key: "patientId", Value: 1}, {Key: "startTime", Value: 1}}, Options: options.Index().SetName("patient_start")},
		{Keys: bson.D{{Key: "status", Value: 1}}, Options: options.Index().SetName("status")},
	})
	if err != nil {
		return fmt.Errorf("create appointment indexes: %w", err)
	}
	return s.ensureChatIndexes(ctx)
}

func (s *MongoStore) Insert(ctx context.Context, appt model.Appointment) error {
	coll, err := s.collection(ctx)
	if err != nil {
		return err
	}
	if _, err := coll.InsertOne(ctx, appt); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (model.Appointment, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	var appt model.Appointment
	if err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&appt); err != nil {
		return model.Appointment{}, mongoErr(err, "get appointment")
	}
	return appt, nil
}

func (s *MongoStore) List(ctx context.Context, f Filter) ([]model.Appointment, error) {
	filter := bson.M{}
	if f.DoctorID != "" {
		filter["doctorId"] = f.DoctorID
	}
	if f.PatientID != "" {
		filter["patientId"] = f.PatientID
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if !f.To.IsZero() {
		filter["startTime"] = bson.M{"$lt": f.To}
	}
	if !f.From.IsZero() {
		filter["endTime"] = bson.M{"$gt": f.From}
	}
	opts := options.Find().SetSort(bson.D{{Key: "startTime", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return s.find(ctx, filter, opts)
}

func (s *MongoStore) ListActiveForDoctor(ctx context.Context, doctorID string, from, to time.Time) ([]model.Appointment, error) {
	filter := bson.M{
		"doctorId":  doctorID,
		"status":    bson.M{"$ne": model.StatusCancelled},
		"startTime": bson.M{"$lt": to},
		"endTime":   bson.M{"$gt": from},
	}
	return s.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "startTime", Value: 1}}))
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]model.Appointment, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find appointments: %w", err)
	}
	appts := []model.Appointment{}
	if err := cur.All(ctx, &appts); err != nil {
		return nil, fmt.Errorf("decode appointments: %w", err)
	}
	return appts, nil
}

func (s *MongoStore) UpdateStatus(ctx context.Context, id string, from, to model.Status, at time.Time) (model.Appointment, error) {
	return s.findAndSet(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"status": to, "updatedAt": at},
	)
}

func (s *MongoStore) SetRating(ctx context.Context, id string, rating int, at time.Time) (model.Appointment, error) {
	return s.findAndSet(ctx,
		bson.M{"_id": id, "status": model.StatusCompleted},
		bson.M{"rating": rating, "updatedAt": at},
	)
}

func (s *MongoStore) findAndSet(ctx context.Context, filter, set bson.M) (model.Appointment, error) {
	coll, err := s.collection(ctx)
	if err != nil {
		return model.Appointment{}, err
	}
	var appt model.Appointment
	err = coll.FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&appt)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Appointment{}, ErrStaleStatus
	}
	if err != nil {
		return model.Appointment{}, fmt.Errorf("update appointment: %w", err)
	}
	return appt, nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	coll, err := s.collection(ctx)
	if err != nil {
		return err
	}
	res, err := coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func mongoErr(err error, op string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
