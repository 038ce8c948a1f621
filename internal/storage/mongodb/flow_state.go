// Package mongodb persists flow states in a MongoDB collection.
package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/luikyv/go-oid4vci/internal/timeutil"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionName = "flow_states"
	// maxUpdateAttempts bounds the retries of an update that keeps losing
	// the race against concurrent writers.
	maxUpdateAttempts = 5
)

type FlowStateManager struct {
	Collection *mongo.Collection
}

func NewFlowStateManager(database *mongo.Database) FlowStateManager {
	return FlowStateManager{
		Collection: database.Collection(collectionName),
	}
}

// Connect opens a client to uri and returns a manager on database.
func Connect(ctx context.Context, uri, database string) (FlowStateManager, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return FlowStateManager{}, fmt.Errorf("could not connect to mongodb: %w", err)
	}

	return NewFlowStateManager(client.Database(database)), nil
}

func (m FlowStateManager) Save(ctx context.Context, flow *goid4vci.FlowState) error {
	shouldUpsert := true
	filter := bson.D{{Key: "_id", Value: flow.EphemeralKeyTag}}
	if _, err := m.Collection.ReplaceOne(ctx, filter, flow, &options.ReplaceOptions{Upsert: &shouldUpsert}); err != nil {
		return err
	}

	return nil
}

func (m FlowStateManager) FlowState(ctx context.Context, keyTag string) (*goid4vci.FlowState, error) {
	return m.getWithFilter(ctx, bson.D{{Key: "_id", Value: keyTag}})
}

func (m FlowStateManager) FlowStateByState(ctx context.Context, state string) (*goid4vci.FlowState, error) {
	if state == "" {
		return nil, goid4vci.ErrFlowNotFound
	}
	return m.getWithFilter(ctx, bson.D{{Key: "state", Value: state}})
}

func (m FlowStateManager) FlowStateByIssuerHash(ctx context.Context, issuerHash string) (*goid4vci.FlowState, error) {
	if issuerHash == "" {
		return nil, goid4vci.ErrFlowNotFound
	}
	return m.getWithFilter(ctx, bson.D{
		{Key: "issuer_hash", Value: issuerHash},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "expires_at", Value: bson.D{{Key: "$exists", Value: false}}}},
			bson.D{{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: timeutil.TimestampNow()}}}},
		}},
	})
}

// Update replaces the flow only if nobody changed it since it was read,
// retrying with the fresh value otherwise.
func (m FlowStateManager) Update(ctx context.Context, keyTag string, update func(*goid4vci.FlowState) error) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		flow, err := m.FlowState(ctx, keyTag)
		if err != nil {
			return err
		}

		version := flow.Version
		if err := update(flow); err != nil {
			return err
		}
		flow.EphemeralKeyTag = keyTag
		flow.Version = version + 1

		filter := bson.D{
			{Key: "_id", Value: keyTag},
			{Key: "version", Value: version},
		}
		result, err := m.Collection.ReplaceOne(ctx, filter, flow)
		if err != nil {
			return err
		}

		if result.MatchedCount == 1 {
			return nil
		}
	}

	return fmt.Errorf("flow %s was modified concurrently too many times", keyTag)
}

func (m FlowStateManager) Delete(ctx context.Context, keyTag string) error {
	filter := bson.D{{Key: "_id", Value: keyTag}}
	if _, err := m.Collection.DeleteOne(ctx, filter); err != nil {
		return err
	}

	return nil
}

func (m FlowStateManager) getWithFilter(ctx context.Context, filter any) (*goid4vci.FlowState, error) {
	result := m.Collection.FindOne(ctx, filter)
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, goid4vci.ErrFlowNotFound
		}
		return nil, err
	}

	var flow goid4vci.FlowState
	if err := result.Decode(&flow); err != nil {
		return nil, err
	}

	if flow.IsExpired(timeutil.TimestampNow()) {
		return nil, goid4vci.ErrFlowNotFound
	}

	return &flow, nil
}

var _ goid4vci.FlowStateManager = FlowStateManager{}
