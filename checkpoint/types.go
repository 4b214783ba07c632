// Package checkpoint implements the coordination-store adapter and the
// distributed lease manager described in SPEC_FULL.md §4.1-4.2: CRUD
// against a DynamoDB-shaped item keyed by (consumerGroup, streamName),
// and atomic acquire/renew/checkpoint of per-shard leases layered on
// top of it.
package checkpoint

import (
	"errors"
	"time"
)

// IteratorType mirrors the five Kinesis shard-iterator types. Kept
// independent of the kinesis SDK's types so that checkpoint has no
// transport dependency; the consumer package translates IteratorSpec
// into the SDK's ShardIteratorType at the point of use.
type IteratorType string

const (
	IteratorLatest              IteratorType = "LATEST"
	IteratorAtSequenceNumber    IteratorType = "AT_SEQUENCE_NUMBER"
	IteratorAfterSequenceNumber IteratorType = "AFTER_SEQUENCE_NUMBER"
	IteratorAtTimestamp         IteratorType = "AT_TIMESTAMP"
	IteratorTrimHorizon         IteratorType = "TRIM_HORIZON"
)

// IteratorSpec is the starting position a reader should resolve into a
// concrete shard iterator.
type IteratorSpec struct {
	Type           IteratorType
	SequenceNumber string
	Timestamp      time.Time
}

// ShardLease is the per-shard entry nested under an Item's Shards map.
type ShardLease struct {
	ConsumerID string     `dynamodbav:"consumerId"`
	ExpiresAt  time.Time  `dynamodbav:"expiresAt"`
	Heartbeat  time.Time  `dynamodbav:"heartbeat"`
	Checkpoint *string    `dynamodbav:"checkpoint,omitempty"`
}

// Item is the single DynamoDB item backing all shard leases for one
// (consumerGroup, streamName) pair.
type Item struct {
	ConsumerGroup string                `dynamodbav:"consumerGroup"`
	StreamName    string                `dynamodbav:"streamName"`
	Shards        map[string]ShardLease `dynamodbav:"shards"`
}

// Key identifies an Item.
type Key struct {
	ConsumerGroup string
	StreamName    string
}

// Sentinel errors matched with errors.Is/errors.As by callers.
var (
	// ErrConditionFailed is the low-level sentinel Store.UpdateItem
	// returns for any ConditionalCheckFailedException. The Manager
	// remaps it to ErrLeaseNotAcquired or ErrCheckpointNotMonotonic
	// depending on which call site saw it.
	ErrConditionFailed = errors.New("checkpoint: condition expression evaluated false")

	// ErrLeaseNotAcquired is returned when a CAS precondition fails
	// because another consumer already holds (or just took) the lease.
	ErrLeaseNotAcquired = errors.New("checkpoint: lease not acquired")

	// ErrShardsMapMissing is the structural error the Store surfaces
	// when a nested update targets shards.<id> before the parent
	// shards map exists. Manager recovers from this internally; it
	// should not normally escape to callers.
	ErrShardsMapMissing = errors.New("checkpoint: shards map does not exist yet")

	// ErrCheckpointNotMonotonic is returned by pull-mode Checkpoint
	// calls whose sequence number is not strictly greater than the
	// stored value.
	ErrCheckpointNotMonotonic = errors.New("checkpoint: sequence number did not advance")

	// ErrLeaseExpired indicates the local view's lease has passed its
	// expiry and must be reacquired before further checkpointing.
	ErrLeaseExpired = errors.New("checkpoint: lease has expired")
)
