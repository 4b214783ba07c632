// Package consumer implements the per-shard reader state machines (pull
// and push/EFO) and the orchestrator that discovers shards, leases them
// through checkpoint.Manager, and dispatches records to user code.
package consumer

import "time"

// Record is the unit of delivery handed to user callbacks.
type Record struct {
	ShardID        string
	SequenceNumber string
	PartitionKey   string
	Data           []byte
	ArrivalTime    time.Time
}

// Handler is invoked once per delivered record. A non-nil return value is
// Fatal (spec.md §7(7)): it propagates out of Orchestrator.Run uncaught,
// and the record is never checkpointed. This is distinct from the
// at-least-once contract, which governs redelivery of already-checkpointed
// records across restarts, not whether a handler error is swallowed here.
type Handler func(Record) error
