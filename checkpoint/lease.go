package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saleswhale/kinesis-go/internal/logging"
)

// Mode selects the checkpoint-condition flavor a Manager enforces,
// per SPEC_FULL.md §4.2.2: pull-mode consumers require a strictly
// monotonic checkpoint; push-mode (EFO) consumers relax that because
// records may arrive out of lexical-sequence order across
// reconnections.
type Mode int

const (
	ModePull Mode = iota
	ModePush
)

const shardIDPlaceholder = "#sid"

// localLease is this process's last-known view of one shard's lease,
// populated from the store and updated on every successful write.
type localLease struct {
	consumerID string
	expiresAt  time.Time
	heartbeat  time.Time
	checkpoint *string
}

// Manager implements SPEC_FULL.md §4.2: AcquireOrRenew, Checkpoint, and
// InitialIterator, layered on a Store. It holds the mapping described in
// §4.2 ("shard_id → {consumer_id, expires_at, heartbeat, checkpoint}
// reflecting the last values observed or written by this process")
// behind a mutex, so a Manager is safe for concurrent use.
type Manager struct {
	store      *Store
	key        Key
	consumerID string
	retention  time.Duration
	mode       Mode
	log        *logrus.Entry

	mu    sync.RWMutex
	local map[string]localLease
}

// NewManager constructs a Manager. retention is the stream's retention
// period (SPEC_FULL.md §4.2.3 / invariant I4); mode selects the
// checkpoint condition flavor.
func NewManager(store *Store, consumerGroup, streamName, consumerID string, retention time.Duration, mode Mode, log *logrus.Entry) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		store:      store,
		key:        Key{ConsumerGroup: consumerGroup, StreamName: streamName},
		consumerID: consumerID,
		retention:  retention,
		mode:       mode,
		log:        log,
		local:      make(map[string]localLease),
	}
}

// AcquireOrRenew implements SPEC_FULL.md §4.2.1.
func (m *Manager) AcquireOrRenew(ctx context.Context, shardID string, newExpiresAt time.Time) (bool, error) {
	item, err := m.store.GetItem(ctx, m.key, true)
	if err != nil {
		return false, err
	}

	var observed *ShardLease
	if item != nil {
		if entry, ok := item.Shards[shardID]; ok {
			observed = &entry
		}
	}

	now := time.Now().UTC()
	if observed != nil && observed.ConsumerID != m.consumerID && observed.ExpiresAt.After(now) {
		// Someone else holds a live lease; do not write.
		return false, nil
	}

	m.mu.Lock()
	if observed != nil {
		m.local[shardID] = localLease{
			consumerID: observed.ConsumerID,
			expiresAt:  observed.ExpiresAt,
			heartbeat:  observed.Heartbeat,
			checkpoint: observed.Checkpoint,
		}
	} else {
		delete(m.local, shardID)
	}
	_, hasLocal := m.local[shardID]
	m.mu.Unlock()

	var writeErr error
	if !hasLocal {
		writeErr = m.createLease(ctx, shardID, newExpiresAt, now)
	} else {
		writeErr = m.renewLease(ctx, shardID, newExpiresAt, now)
	}

	if errors.Is(writeErr, ErrLeaseNotAcquired) {
		return false, nil
	}
	if writeErr != nil {
		return false, writeErr
	}

	m.mu.Lock()
	existing := m.local[shardID]
	existing.consumerID = m.consumerID
	existing.expiresAt = newExpiresAt
	// A renewed entry keeps the heartbeat observed before this write, so
	// InitialIterator judges the age of the stored checkpoint rather than
	// the age of this renewal.
	if !hasLocal {
		existing.heartbeat = now
	}
	m.local[shardID] = existing
	m.mu.Unlock()

	return true, nil
}

func (m *Manager) createLease(ctx context.Context, shardID string, newExpiresAt, now time.Time) error {
	entry := ShardLease{ConsumerID: m.consumerID, ExpiresAt: newExpiresAt, Heartbeat: now}
	spec := UpdateSpec{
		UpdateExpression:          "SET shards." + shardIDPlaceholder + " = :entry",
		ConditionExpression:       "attribute_not_exists(shards." + shardIDPlaceholder + ")",
		ExpressionAttributeNames:  map[string]string{shardIDPlaceholder: shardID},
		ExpressionAttributeValues: map[string]interface{}{":entry": entry},
	}
	return m.doUpdateWithBootstrap(ctx, shardID, spec, ErrLeaseNotAcquired)
}

func (m *Manager) renewLease(ctx context.Context, shardID string, newExpiresAt, now time.Time) error {
	m.mu.RLock()
	observed := m.local[shardID]
	m.mu.RUnlock()

	spec := UpdateSpec{
		UpdateExpression: "SET shards." + shardIDPlaceholder + ".consumerId = :cid, " +
			"shards." + shardIDPlaceholder + ".expiresAt = :exp, " +
			"shards." + shardIDPlaceholder + ".heartbeat = :hb",
		ConditionExpression: "shards." + shardIDPlaceholder + ".consumerId = :oldCid AND " +
			"shards." + shardIDPlaceholder + ".expiresAt = :oldExp",
		ExpressionAttributeNames: map[string]string{shardIDPlaceholder: shardID},
		ExpressionAttributeValues: map[string]interface{}{
			":cid":    m.consumerID,
			":exp":    newExpiresAt,
			":hb":     now,
			":oldCid": observed.consumerID,
			":oldExp": observed.expiresAt,
		},
	}
	return m.doUpdateWithBootstrap(ctx, shardID, spec, ErrLeaseNotAcquired)
}

// Checkpoint implements SPEC_FULL.md §4.2.2.
func (m *Manager) Checkpoint(ctx context.Context, shardID string, sequenceNumber string) error {
	now := time.Now().UTC()

	var spec UpdateSpec
	switch m.mode {
	case ModePull:
		spec = UpdateSpec{
			UpdateExpression: "SET shards." + shardIDPlaceholder + ".checkpoint = :seq, " +
				"shards." + shardIDPlaceholder + ".heartbeat = :hb",
			ConditionExpression: "attribute_not_exists(shards." + shardIDPlaceholder + ".checkpoint) OR " +
				"shards." + shardIDPlaceholder + ".checkpoint < :seq",
			ExpressionAttributeNames: map[string]string{shardIDPlaceholder: shardID},
			ExpressionAttributeValues: map[string]interface{}{
				":seq": sequenceNumber,
				":hb":  now,
			},
		}
	case ModePush:
		spec = UpdateSpec{
			UpdateExpression: "SET shards." + shardIDPlaceholder + ".checkpoint = :seq, " +
				"shards." + shardIDPlaceholder + ".heartbeat = :hb",
			ExpressionAttributeNames: map[string]string{shardIDPlaceholder: shardID},
			ExpressionAttributeValues: map[string]interface{}{
				":seq": sequenceNumber,
				":hb":  now,
			},
		}
	}

	err := m.doUpdateWithBootstrap(ctx, shardID, spec, ErrCheckpointNotMonotonic)
	if err != nil {
		return err
	}

	m.mu.Lock()
	entry := m.local[shardID]
	seq := sequenceNumber
	entry.checkpoint = &seq
	entry.heartbeat = now
	m.local[shardID] = entry
	m.mu.Unlock()
	return nil
}

// doUpdateWithBootstrap runs spec through the store, applying the
// bootstrap quirk recovery described in SPEC_FULL.md §4.1 exactly once,
// and remaps the store's generic ErrConditionFailed to whichever
// semantic error the caller wants.
func (m *Manager) doUpdateWithBootstrap(ctx context.Context, shardID string, spec UpdateSpec, onConditionFailed error) error {
	err := m.store.UpdateItem(ctx, m.key, spec)
	if errors.Is(err, ErrShardsMapMissing) {
		if compErr := m.compensateShardsMap(ctx); compErr != nil {
			return compErr
		}
		err = m.store.UpdateItem(ctx, m.key, spec)
	}
	if errors.Is(err, ErrConditionFailed) {
		return onConditionFailed
	}
	return err
}

func (m *Manager) compensateShardsMap(ctx context.Context) error {
	m.log.WithField("shard_group", m.key).Debug("shards map missing, applying bootstrap compensation")
	spec := UpdateSpec{
		UpdateExpression:          "SET shards = if_not_exists(shards, :empty)",
		ExpressionAttributeValues: map[string]interface{}{":empty": map[string]ShardLease{}},
	}
	err := m.store.UpdateItem(ctx, m.key, spec)
	if errors.Is(err, ErrConditionFailed) {
		// No condition was specified, so this path should not occur;
		// treat it as benign since another consumer beat us to it.
		return nil
	}
	return err
}

// InitialIterator implements SPEC_FULL.md §4.2.3 / invariant I4.
func (m *Manager) InitialIterator(shardID string) IteratorSpec {
	m.mu.RLock()
	entry, ok := m.local[shardID]
	m.mu.RUnlock()

	if !ok || entry.checkpoint == nil {
		return IteratorSpec{Type: IteratorLatest}
	}
	if m.retention > 0 && time.Since(entry.heartbeat) > m.retention {
		m.log.WithField("shard_id", shardID).Warn("heartbeat is stale, falling back to LATEST")
		return IteratorSpec{Type: IteratorLatest}
	}
	return IteratorSpec{Type: IteratorAfterSequenceNumber, SequenceNumber: *entry.checkpoint}
}

// Release drops the local view of a shard, used when the orchestrator
// stops a shard's reader or shuts down; the lease itself is left to
// expire naturally in the store (SPEC_FULL.md §3 Lifecycle).
func (m *Manager) Release(shardID string) {
	m.mu.Lock()
	delete(m.local, shardID)
	m.mu.Unlock()
}
