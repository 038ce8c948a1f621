// Package redis persists flow states in Redis.
//
// A flow is stored as JSON under flow:<key tag> and indexed by its state
// parameter under flow_state:<state>. Both keys expire with the flow. The
// set flow_issuer:<issuer hash> holds the key tags of the flows bound to an
// issuer; members whose flow is gone are pruned when the set is read.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luikyv/go-oid4vci/internal/timeutil"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"github.com/redis/go-redis/v9"
)

const (
	flowKeyPrefix     = "flow:"
	stateIndexPrefix  = "flow_state:"
	issuerIndexPrefix = "flow_issuer:"
	maxUpdateAttempts = 5
)

type FlowStateManager struct {
	client redis.UniversalClient
}

func NewFlowStateManager(client redis.UniversalClient) *FlowStateManager {
	return &FlowStateManager{client: client}
}

// Connect returns a manager for the redis server at addr.
func Connect(ctx context.Context, addr, password string, db int) (*FlowStateManager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("could not reach redis at %s: %w", addr, err)
	}
	return NewFlowStateManager(client), nil
}

func (m *FlowStateManager) Save(ctx context.Context, flow *goid4vci.FlowState) error {
	return m.client.Watch(ctx, func(tx *redis.Tx) error {
		previous, err := get(ctx, tx, flow.EphemeralKeyTag)
		if err != nil && !errors.Is(err, goid4vci.ErrFlowNotFound) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return set(ctx, pipe, previous, flow)
		})
		return err
	}, flowKey(flow.EphemeralKeyTag))
}

func (m *FlowStateManager) FlowState(ctx context.Context, keyTag string) (*goid4vci.FlowState, error) {
	return get(ctx, m.client, keyTag)
}

func (m *FlowStateManager) FlowStateByState(ctx context.Context, state string) (*goid4vci.FlowState, error) {
	if state == "" {
		return nil, goid4vci.ErrFlowNotFound
	}

	keyTag, err := m.client.Get(ctx, stateIndexPrefix+state).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, goid4vci.ErrFlowNotFound
		}
		return nil, err
	}

	flow, err := get(ctx, m.client, keyTag)
	if err != nil {
		return nil, err
	}

	// The index may lag behind a flow that got a new state.
	if flow.State != state {
		return nil, goid4vci.ErrFlowNotFound
	}
	return flow, nil
}

func (m *FlowStateManager) FlowStateByIssuerHash(ctx context.Context, issuerHash string) (*goid4vci.FlowState, error) {
	if issuerHash == "" {
		return nil, goid4vci.ErrFlowNotFound
	}

	index := issuerIndexPrefix + issuerHash
	keyTags, err := m.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, err
	}

	for _, keyTag := range keyTags {
		flow, err := get(ctx, m.client, keyTag)
		if err != nil && !errors.Is(err, goid4vci.ErrFlowNotFound) {
			return nil, err
		}
		if err == nil && flow.IssuerHash == issuerHash {
			return flow, nil
		}
		if err := m.client.SRem(ctx, index, keyTag).Err(); err != nil {
			return nil, err
		}
	}
	return nil, goid4vci.ErrFlowNotFound
}

// Update watches the flow key so the new value is written only if nobody
// else wrote it in the meantime.
func (m *FlowStateManager) Update(ctx context.Context, keyTag string, update func(*goid4vci.FlowState) error) error {
	txf := func(tx *redis.Tx) error {
		previous, err := get(ctx, tx, keyTag)
		if err != nil {
			return err
		}

		flow := previous.Clone()
		if err := update(flow); err != nil {
			return err
		}
		flow.EphemeralKeyTag = keyTag
		flow.Version = previous.Version + 1

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return set(ctx, pipe, previous, flow)
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := m.client.Watch(ctx, txf, flowKey(keyTag))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}

	return fmt.Errorf("flow %s was modified concurrently too many times", keyTag)
}

func (m *FlowStateManager) Delete(ctx context.Context, keyTag string) error {
	flow, err := get(ctx, m.client, keyTag)
	if err != nil {
		if errors.Is(err, goid4vci.ErrFlowNotFound) {
			return nil
		}
		return err
	}

	keys := []string{flowKey(keyTag)}
	if flow.State != "" {
		keys = append(keys, stateIndexPrefix+flow.State)
	}
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		if flow.IssuerHash != "" {
			pipe.SRem(ctx, issuerIndexPrefix+flow.IssuerHash, keyTag)
		}
		return nil
	})
	return err
}

func get(ctx context.Context, client redis.Cmdable, keyTag string) (*goid4vci.FlowState, error) {
	value, err := client.Get(ctx, flowKey(keyTag)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, goid4vci.ErrFlowNotFound
		}
		return nil, err
	}

	var flow goid4vci.FlowState
	if err := json.Unmarshal(value, &flow); err != nil {
		return nil, fmt.Errorf("could not decode flow %s: %w", keyTag, err)
	}

	if flow.IsExpired(timeutil.TimestampNow()) {
		return nil, goid4vci.ErrFlowNotFound
	}
	return &flow, nil
}

func set(ctx context.Context, pipe redis.Pipeliner, previous, flow *goid4vci.FlowState) error {
	value, err := json.Marshal(flow)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if flow.ExpiresAtTimestamp != 0 {
		ttl = timeutil.Until(flow.ExpiresAtTimestamp)
		if ttl <= 0 {
			return fmt.Errorf("flow %s is already expired", flow.EphemeralKeyTag)
		}
	}

	if previous != nil && previous.State != "" && previous.State != flow.State {
		pipe.Del(ctx, stateIndexPrefix+previous.State)
	}
	if previous != nil && previous.IssuerHash != "" && previous.IssuerHash != flow.IssuerHash {
		pipe.SRem(ctx, issuerIndexPrefix+previous.IssuerHash, flow.EphemeralKeyTag)
	}
	pipe.Set(ctx, flowKey(flow.EphemeralKeyTag), value, ttl)
	if flow.State != "" {
		pipe.Set(ctx, stateIndexPrefix+flow.State, flow.EphemeralKeyTag, ttl)
	}
	if flow.IssuerHash != "" {
		pipe.SAdd(ctx, issuerIndexPrefix+flow.IssuerHash, flow.EphemeralKeyTag)
	}
	return nil
}

func flowKey(keyTag string) string {
	return flowKeyPrefix + keyTag
}

var _ goid4vci.FlowStateManager = (*FlowStateManager)(nil)
