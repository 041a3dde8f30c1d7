package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/acl"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/retained"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/session"
)

type MongoStore struct {
	client           *mongo.Client
	db               *mongo.Database
	operationTimeout time.Duration
}

func handleErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *MongoStore) SaveSession(ctx context.Context, record *session.Record) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if record.ClientID == "" {
		return ErrClientIDEmpty
	}

	filter := bson.D{{Key: "client_id", Value: record.ClientID}}
	opts := options.Replace().SetUpsert(true)

	result, err := ds.db.Collection(SessionCollectionName).ReplaceOne(ctx, filter, record, opts)
	if err != nil {
		return handleErr(err)
	}

	logger.DebugF("Session saved: client_id=%s, matched=%d, modified=%d, upserted=%v",
		record.ClientID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ds *MongoStore) DeleteSession(ctx context.Context, clientID string) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if clientID == "" {
		return ErrClientIDEmpty
	}

	filter := bson.D{{Key: "client_id", Value: clientID}}
	result, err := ds.db.Collection(SessionCollectionName).DeleteOne(ctx, filter)
	if err != nil {
		return handleErr(err)
	}

	logger.DebugF("Session deleted: client_id=%s, deleted=%d", clientID, result.DeletedCount)
	return nil
}

func (ds *MongoStore) LoadSessions(ctx context.Context) ([]*session.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	startTime := time.Now()
	cursor, err := ds.db.Collection(SessionCollectionName).Find(ctx, bson.D{})
	if err != nil {
		return nil, handleErr(err)
	}
	var records []*session.Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, handleErr(err)
	}
	logger.DebugF("session query cost: %v", time.Since(startTime))
	return records, nil
}

func (ds *MongoStore) SaveRetained(ctx context.Context, msg *retained.Message) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if msg.Topic == "" {
		return ErrTopicEmpty
	}

	filter := bson.D{{Key: "_id", Value: msg.Topic}}
	opts := options.Replace().SetUpsert(true)
	if _, err := ds.db.Collection(RetainedCollectionName).ReplaceOne(ctx, filter, msg, opts); err != nil {
		return handleErr(err)
	}
	return nil
}

func (ds *MongoStore) DeleteRetained(ctx context.Context, topic string) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if topic == "" {
		return ErrTopicEmpty
	}

	if _, err := ds.db.Collection(RetainedCollectionName).DeleteOne(ctx, bson.D{{Key: "_id", Value: topic}}); err != nil {
		return handleErr(err)
	}
	return nil
}

func (ds *MongoStore) LoadRetained(ctx context.Context) ([]*retained.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	cursor, err := ds.db.Collection(RetainedCollectionName).Find(ctx, bson.D{})
	if err != nil {
		return nil, handleErr(err)
	}
	var messages []*retained.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, handleErr(err)
	}
	return messages, nil
}

// LoadACLRules 按优先级降序读取，同优先级保持插入顺序
func (ds *MongoStore) LoadACLRules(ctx context.Context) ([]acl.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "_id", Value: 1}})
	cursor, err := ds.db.Collection(ACLRuleCollectionName).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, handleErr(err)
	}
	var rules []acl.Rule
	if err := cursor.All(ctx, &rules); err != nil {
		return nil, handleErr(err)
	}
	return rules, nil
}

func (ds *MongoStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()
	return ds.client.Disconnect(ctx)
}
