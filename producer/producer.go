// Package producer implements the buffered, batched publisher promoted
// to a full component by SPEC_FULL.md §4.6: an unbounded in-process
// buffer drained by a single background worker into size- and
// count-bounded PutRecords calls.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/saleswhale/kinesis-go/internal/logging"
)

// Defaults mirror spec.md §6's PRODUCER_* constants.
const (
	DefaultBufferTime         = 500 * time.Millisecond
	DefaultMaxRecordsPerBatch = 500
	DefaultMaxBatchBytes      = 1 << 20
)

// ErrClosed is returned by Put once Close has been called.
var ErrClosed = errors.New("producer: closed")

// KinesisAPI is the narrow slice of *kinesis.Client the producer needs.
type KinesisAPI interface {
	PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
}

// Options configures batching behavior. Zero values take the Default*
// constants above.
type Options struct {
	BufferTime         time.Duration
	MaxRecordsPerBatch int
	MaxBatchBytes      int
}

func (o Options) bufferTime() time.Duration {
	if o.BufferTime <= 0 {
		return DefaultBufferTime
	}
	return o.BufferTime
}

func (o Options) maxRecordsPerBatch() int {
	if o.MaxRecordsPerBatch <= 0 {
		return DefaultMaxRecordsPerBatch
	}
	return o.MaxRecordsPerBatch
}

func (o Options) maxBatchBytes() int {
	if o.MaxBatchBytes <= 0 {
		return DefaultMaxBatchBytes
	}
	return o.MaxBatchBytes
}

type bufferedRecord struct {
	partitionKey string
	data         []byte
}

func (b bufferedRecord) size() int {
	return len(b.partitionKey) + len(b.data)
}

// Producer buffers Put calls and flushes them in PutRecords batches
// from a single background worker goroutine (spec.md §5: "the producer
// runs its own single background worker").
type Producer struct {
	api        KinesisAPI
	streamName string
	opts       Options
	log        *logrus.Entry

	mu     sync.Mutex
	buf    []bufferedRecord
	closed bool

	flush chan struct{}
	stop  chan struct{}
	done  chan struct{}

	inFlight sync.WaitGroup
}

// New constructs a Producer. Call Start to launch its background
// worker before the first Put.
func New(api KinesisAPI, streamName string, opts Options, log *logrus.Entry) *Producer {
	if log == nil {
		log = logging.Nop()
	}
	return &Producer{
		api:        api,
		streamName: streamName,
		opts:       opts,
		log:        log.WithField("stream", streamName),
		flush:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the background flush worker. Must be called exactly
// once before Put.
func (p *Producer) Start() {
	go p.run()
}

func (p *Producer) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.opts.bufferTime())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.flushOnce(context.Background())
		case <-p.flush:
			p.flushOnce(context.Background())
		case <-p.stop:
			p.flushAll(context.Background())
			return
		}
	}
}

// Put enqueues an opaque record for later batched publish and returns
// immediately; the record is not yet durable (spec.md §4.6).
func (p *Producer) Put(ctx context.Context, partitionKey string, data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.buf = append(p.buf, bufferedRecord{partitionKey: partitionKey, data: data})
	overCount := len(p.buf) >= p.opts.maxRecordsPerBatch()
	overBytes := p.bufferedBytesLocked() >= p.opts.maxBatchBytes()
	p.mu.Unlock()

	if overCount || overBytes {
		select {
		case p.flush <- struct{}{}:
		default:
		}
	}
	return nil
}

func (p *Producer) bufferedBytesLocked() int {
	total := 0
	for _, r := range p.buf {
		total += r.size()
	}
	return total
}

// nextBatchLocked pops a prefix of p.buf bounded by MaxRecordsPerBatch
// and MaxBatchBytes, leaving the remainder for the next flush (spec.md
// §4.6: "records whose addition would overflow the per-batch byte
// budget are deferred to the next flush").
func (p *Producer) nextBatchLocked() []bufferedRecord {
	maxRecords := p.opts.maxRecordsPerBatch()
	maxBytes := p.opts.maxBatchBytes()

	n := 0
	bytes := 0
	for n < len(p.buf) && n < maxRecords {
		next := p.buf[n].size()
		if n > 0 && bytes+next > maxBytes {
			break
		}
		bytes += next
		n++
	}

	batch := p.buf[:n]
	p.buf = p.buf[n:]
	return batch
}

// flushOnce sends at most one batch.
func (p *Producer) flushOnce(ctx context.Context) {
	p.mu.Lock()
	if len(p.buf) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.nextBatchLocked()
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	p.send(ctx, batch)
}

// flushAll drains the entire buffer, issuing as many batches as needed.
func (p *Producer) flushAll(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.buf) == 0 {
			p.mu.Unlock()
			return
		}
		batch := p.nextBatchLocked()
		p.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		p.send(ctx, batch)
	}
}

// send issues one PutRecords call, tracked in inFlight so Drain can
// wait for it, retrying partial failures once via backoff before
// dropping still-failing entries (spec.md §9: producer durability is
// out of scope).
func (p *Producer) send(ctx context.Context, batch []bufferedRecord) {
	p.inFlight.Add(1)
	defer p.inFlight.Done()

	entries := toEntries(batch)
	entries = p.putWithRetry(ctx, entries)
	if len(entries) > 0 {
		p.log.WithField("dropped", len(entries)).Error("dropping records that failed after retry")
	}
}

func (p *Producer) putWithRetry(ctx context.Context, entries []types.PutRecordsRequestEntry) []types.PutRecordsRequestEntry {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)

	var failed []types.PutRecordsRequestEntry
	operation := func() error {
		out, err := p.api.PutRecords(ctx, &kinesis.PutRecordsInput{
			StreamName: aws.String(p.streamName),
			Records:    entries,
		})
		if err != nil {
			p.log.WithError(err).Warn("PutRecords call failed")
			return err
		}
		if aws.ToInt32(out.FailedRecordCount) == 0 {
			failed = nil
			return nil
		}

		var retryEntries []types.PutRecordsRequestEntry
		for i, result := range out.Records {
			if result.ErrorCode != nil {
				retryEntries = append(retryEntries, entries[i])
			}
		}
		entries = retryEntries
		failed = retryEntries
		return fmt.Errorf("producer: %d of %d records failed", len(retryEntries), len(out.Records))
	}

	if err := backoff.Retry(operation, policy); err != nil {
		p.log.WithError(err).Warn("giving up on partial batch failure after retry")
	}
	return failed
}

// Drain flushes all pending records synchronously and waits for
// outstanding PutRecords calls to complete or for ctx to expire.
func (p *Producer) Drain(ctx context.Context) error {
	p.flushAll(ctx)

	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains, stops the background worker, and rejects further Put
// calls with ErrClosed.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.Drain(ctx)
}

func toEntries(batch []bufferedRecord) []types.PutRecordsRequestEntry {
	entries := make([]types.PutRecordsRequestEntry, len(batch))
	for i, r := range batch {
		entries[i] = types.PutRecordsRequestEntry{
			Data:         r.data,
			PartitionKey: aws.String(r.partitionKey),
		}
	}
	return entries
}
