package consumer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/sirupsen/logrus"

	"github.com/saleswhale/kinesis-go/checkpoint"
	"github.com/saleswhale/kinesis-go/internal/logging"
)

// KinesisAPI is the full narrow surface the Orchestrator needs: shard
// discovery and bootstrap calls of its own, plus whatever the reader
// variant it spawns requires. A single *kinesis.Client satisfies both
// embedded interfaces and the methods below; tests supply one fake
// implementing the union.
type KinesisAPI interface {
	PullKinesisAPI
	PushKinesisAPI

	ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	DescribeStream(ctx context.Context, params *kinesis.DescribeStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamOutput, error)
	DescribeStreamConsumer(ctx context.Context, params *kinesis.DescribeStreamConsumerInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamConsumerOutput, error)
	RegisterStreamConsumer(ctx context.Context, params *kinesis.RegisterStreamConsumerInput, optFns ...func(*kinesis.Options)) (*kinesis.RegisterStreamConsumerOutput, error)
}

// readerEntry pairs a live reader with the cancellation hook for its
// Run goroutine.
type readerEntry struct {
	reader Reader
	cancel context.CancelFunc
}

// Orchestrator implements spec.md §4.5: bootstrap, the outer lease-cycle
// loop, the bounded inner dispatch loop, and signal-driven shutdown.
// The reader registry is single-writer (this type, per spec.md §9's
// redesign note), so a plain map under the same mutex as the rest of
// the orchestrator's mutable state suffices — no concurrent map needed.
type Orchestrator struct {
	cfg   Config
	api   KinesisAPI
	store *checkpoint.Store
	log   *logrus.Entry

	mu      sync.Mutex
	readers map[string]readerEntry

	records chan Record
	errs    chan error

	streamARN      string
	retentionHours int32
	consumerARN    string
	leases         *checkpoint.Manager
}

// NewOrchestrator constructs an Orchestrator. Unset Config fields take
// the Default* constants from config.go; ConsumerGroup and ConsumerID
// are resolved (working-directory basename, and hostname-ip/env/pid
// fallback chain respectively) when left empty. store may be nil, per
// spec.md §4.5's "coordination-store handle, or none, for a stateless
// single-consumer mode": every discovered shard is then read
// unconditionally by this process, with no lease acquired and no
// checkpoint persisted.
func NewOrchestrator(cfg Config, api KinesisAPI, store *checkpoint.Store, log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logging.Nop()
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = defaultConsumerGroup()
	}
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = resolveConsumerID()
	}
	return &Orchestrator{
		cfg:     cfg,
		api:     api,
		store:   store,
		log:     log.WithField("stream", cfg.StreamName),
		readers: make(map[string]readerEntry),
		records: make(chan Record, cfg.pushLimit()),
		errs:    make(chan error, 64),
	}
}

// Errors returns the channel user code may drain for observability, per
// spec.md §7: "the orchestrator does not consume it by default."
func (o *Orchestrator) Errors() <-chan error {
	return o.errs
}

// Run bootstraps the stream, then blocks running the lease cycle loop
// until ctx is canceled or a SIGINT/SIGTERM is delivered, invoking
// handler for every delivered record.
func (o *Orchestrator) Run(ctx context.Context, handler Handler) error {
	if err := o.bootstrap(ctx); err != nil {
		return fmt.Errorf("consumer: bootstrap: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			o.log.WithField("signal", sig.String()).Info("received shutdown signal")
			cancel()
		case <-runCtx.Done():
		}
	}()

	lockDuration := o.cfg.lockDuration()
	readInterval := o.cfg.readInterval()

	var fatalErr error
outer:
	for {
		if runCtx.Err() != nil {
			break
		}

		o.reap()

		if err := o.syncShards(runCtx, lockDuration); err != nil {
			o.log.WithError(err).Error("error listing/leasing shards")
		}

		cycleStart := time.Now()
		for time.Since(cycleStart) <= lockDuration-time.Second {
			if runCtx.Err() != nil {
				break outer
			}
			// A handler error is Fatal (spec.md §7(7)): it propagates out
			// of Run instead of being logged and swallowed here.
			if err := o.dispatchOne(runCtx, handler); err != nil {
				fatalErr = err
				break outer
			}

			timer := time.NewTimer(readInterval)
			select {
			case <-timer.C:
			case <-runCtx.Done():
				timer.Stop()
			}
		}
	}

	o.shutdownAll()
	return fatalErr
}

func (o *Orchestrator) bootstrap(ctx context.Context) error {
	desc, err := o.api.DescribeStream(ctx, &kinesis.DescribeStreamInput{
		StreamName: aws.String(o.cfg.StreamName),
	})
	if err != nil {
		return fmt.Errorf("describe stream: %w", err)
	}
	o.streamARN = aws.ToString(desc.StreamDescription.StreamARN)
	o.retentionHours = aws.ToInt32(desc.StreamDescription.RetentionPeriodHours)

	retention := time.Duration(o.retentionHours) * time.Hour
	mode := checkpoint.ModePull
	if o.cfg.Mode == ModePush {
		mode = checkpoint.ModePush
	}
	if o.store != nil {
		o.leases = checkpoint.NewManager(o.store, o.cfg.ConsumerGroup, o.cfg.StreamName, o.cfg.ConsumerID, retention, mode, o.log)
	}

	if o.cfg.Mode != ModePush {
		return nil
	}
	if o.cfg.ConsumerName == "" {
		return errors.New("consumer name is required for push mode")
	}
	return o.ensureStreamConsumer(ctx)
}

func (o *Orchestrator) ensureStreamConsumer(ctx context.Context) error {
	desc, err := o.api.DescribeStreamConsumer(ctx, &kinesis.DescribeStreamConsumerInput{
		StreamARN:    aws.String(o.streamARN),
		ConsumerName: aws.String(o.cfg.ConsumerName),
	})
	if err == nil {
		o.consumerARN = aws.ToString(desc.ConsumerDescription.ConsumerARN)
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe stream consumer: %w", err)
	}

	reg, err := o.api.RegisterStreamConsumer(ctx, &kinesis.RegisterStreamConsumerInput{
		StreamARN:    aws.String(o.streamARN),
		ConsumerName: aws.String(o.cfg.ConsumerName),
	})
	if err != nil {
		return fmt.Errorf("register stream consumer: %w", err)
	}
	o.consumerARN = aws.ToString(reg.Consumer.ConsumerARN)
	return nil
}

// reap drops registry entries for readers that are no longer alive;
// their lease is left to expire naturally (spec.md §4.5.2 step 1).
func (o *Orchestrator) reap() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for shardID, entry := range o.readers {
		if !entry.reader.Alive() {
			delete(o.readers, shardID)
		}
	}
}

// syncShards lists current shards and, per shard, attempts to
// acquire/renew its lease; spawns a reader on newly-won shards and
// stops the reader for shards this process no longer holds.
func (o *Orchestrator) syncShards(ctx context.Context, lockDuration time.Duration) error {
	shardIDs, err := o.listShardIDs(ctx)
	if err != nil {
		return err
	}

	if o.leases == nil {
		// Stateless single-consumer mode (spec.md §4.5: "coordination-store
		// handle, or none"): every discovered shard belongs to this process
		// unconditionally — no lease to acquire, no checkpoint to persist.
		for _, shardID := range shardIDs {
			o.mu.Lock()
			_, hasReader := o.readers[shardID]
			o.mu.Unlock()
			if !hasReader {
				o.spawnReader(ctx, shardID)
			}
		}
		return nil
	}

	held := make(map[string]bool, len(shardIDs))
	for _, shardID := range shardIDs {
		ok, err := o.leases.AcquireOrRenew(ctx, shardID, time.Now().Add(lockDuration))
		if err != nil {
			o.log.WithError(err).WithField("shard_id", shardID).Error("error acquiring/renewing lease")
			continue
		}
		held[shardID] = ok

		o.mu.Lock()
		_, hasReader := o.readers[shardID]
		o.mu.Unlock()

		if ok && !hasReader {
			o.spawnReader(ctx, shardID)
		} else if !ok && hasReader {
			o.stopReader(shardID)
		}
	}

	return nil
}

func (o *Orchestrator) listShardIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var nextToken *string
	for {
		out, err := o.api.ListShards(ctx, &kinesis.ListShardsInput{
			StreamName: aws.String(o.cfg.StreamName),
			ShardFilter: &types.ShardFilter{
				Type: types.ShardFilterTypeAtLatest,
			},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, err
		}
		for _, shard := range out.Shards {
			ids = append(ids, aws.ToString(shard.ShardId))
		}
		if out.NextToken == nil {
			return ids, nil
		}
		nextToken = out.NextToken
	}
}

func (o *Orchestrator) spawnReader(ctx context.Context, shardID string) {
	iterator := checkpoint.IteratorSpec{Type: checkpoint.IteratorLatest}
	if o.leases != nil {
		iterator = o.leases.InitialIterator(shardID)
	}
	readerCtx, cancel := context.WithCancel(ctx)

	var r Reader
	if o.cfg.Mode == ModePush {
		pr := NewPushReader(shardID, o.consumerARN, o.api, iterator, o.records, o.errs, o.cfg.waitTimeout(), o.log)
		go pr.Run(readerCtx)
		r = pr
	} else {
		pr := NewPullReader(shardID, o.cfg.StreamName, o.api, iterator, o.records, o.errs, o.cfg.sleepTime(), o.cfg.pullLimit(), o.log)
		go pr.Run(readerCtx)
		r = pr
	}

	o.mu.Lock()
	o.readers[shardID] = readerEntry{reader: r, cancel: cancel}
	o.mu.Unlock()
}

func (o *Orchestrator) stopReader(shardID string) {
	o.mu.Lock()
	entry, ok := o.readers[shardID]
	if ok {
		delete(o.readers, shardID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	entry.cancel()
	entry.reader.Shutdown()
	if o.leases != nil {
		o.leases.Release(shardID)
	}
}

// dispatchOne drains at most one record (non-blocking) and, if present,
// invokes handler then checkpoints. A handler error is Fatal (spec.md
// §7(7)): it is returned here and propagates out of Run without being
// checkpointed. A failing checkpoint, by contrast, tears down only that
// shard's reader (spec.md §4.5.2 step 5) rather than failing the run.
func (o *Orchestrator) dispatchOne(ctx context.Context, handler Handler) error {
	var rec Record
	select {
	case rec = <-o.records:
	default:
		return nil
	}

	if err := handler(rec); err != nil {
		return fmt.Errorf("consumer: handler returned error for shard %s: %w", rec.ShardID, err)
	}

	if o.leases == nil {
		return nil
	}
	if err := o.leases.Checkpoint(ctx, rec.ShardID, rec.SequenceNumber); err != nil {
		o.log.WithError(err).WithField("shard_id", rec.ShardID).Warn("checkpoint failed, restarting reader for this shard")
		o.stopReader(rec.ShardID)
	}
	return nil
}

func (o *Orchestrator) shutdownAll() {
	o.mu.Lock()
	entries := o.readers
	o.readers = make(map[string]readerEntry)
	o.mu.Unlock()

	for shardID, entry := range entries {
		entry.cancel()
		entry.reader.Shutdown()
		if o.leases != nil {
			o.leases.Release(shardID)
		}
	}
}

// defaultConsumerGroup is the process's working-directory basename,
// per spec.md §6.
func defaultConsumerGroup() string {
	wd, err := os.Getwd()
	if err != nil {
		return "default"
	}
	return filepath.Base(wd)
}

// resolveConsumerID implements the three-step fallback of spec.md §6 /
// §9: first resolved IPv4 of the local hostname, then KINESIS_CONSUMER_ID,
// then a synthesized pid+timestamp identity.
func resolveConsumerID() string {
	if ip := firstResolvedIPv4(); ip != "" {
		return ip
	}
	if id := os.Getenv("KINESIS_CONSUMER_ID"); id != "" {
		return id
	}
	return fmt.Sprintf("consumer-%d-%d", os.Getpid(), time.Now().Unix())
}

func firstResolvedIPv4() string {
	hostname, err := os.Hostname()
	if err != nil {
		return ""
	}
	addrs, err := net.LookupIP(hostname)
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		if v4 := addr.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
