package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/saleswhale/kinesis-go/checkpoint"
	"github.com/saleswhale/kinesis-go/internal/logging"
)

// PullKinesisAPI is the narrow slice of *kinesis.Client the pull reader
// needs, grounded on the teacher's narrow-DynamoDB-interface convention
// (lease_manager.go's DynamoDBAPIForLease) applied to the Kinesis side.
type PullKinesisAPI interface {
	GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
}

// PullReader implements the state machine of spec.md §4.3: Starting,
// Fetching, Sleeping, Retrying, Closed.
type PullReader struct {
	shardID    string
	streamName string
	api        PullKinesisAPI
	iterator   checkpoint.IteratorSpec
	records    chan<- Record
	errs       chan<- error
	sleepTime  time.Duration
	pullLimit  int32
	log        *logrus.Entry

	limiter rateLimiter

	mu    sync.Mutex
	alive bool
	stop  chan struct{}
	done  chan struct{}
}

// NewPullReader constructs a reader for one shard. The caller is
// responsible for starting it via Run in its own goroutine.
func NewPullReader(shardID, streamName string, api PullKinesisAPI, iterator checkpoint.IteratorSpec, records chan<- Record, errs chan<- error, sleepTime time.Duration, pullLimit int32, log *logrus.Entry) *PullReader {
	if sleepTime <= 0 {
		sleepTime = DefaultSleepTime
	}
	if pullLimit <= 0 {
		pullLimit = DefaultPullLimit
	}
	if log == nil {
		log = logging.Nop()
	}
	return &PullReader{
		shardID:    shardID,
		streamName: streamName,
		api:        api,
		iterator:   iterator,
		records:    records,
		errs:       errs,
		sleepTime:  sleepTime,
		pullLimit:  pullLimit,
		log:        log.WithField("shard_id", shardID),
		alive:      true,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Alive implements Reader.
func (r *PullReader) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

// Shutdown implements Reader.
func (r *PullReader) Shutdown() {
	r.mu.Lock()
	if !r.alive {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	close(r.stop)
	<-r.done
}

func (r *PullReader) markDead() {
	r.mu.Lock()
	r.alive = false
	r.mu.Unlock()
}

// Run is the Starting->Fetching->Sleeping->Retrying->Closed loop. It
// blocks until the shard closes, an unrecoverable condition is hit, or
// Shutdown is called.
func (r *PullReader) Run(ctx context.Context) {
	defer close(r.done)
	defer r.markDead()

	shardIterator, err := r.resolveIterator(ctx)
	if err != nil {
		r.log.WithError(err).Error("unable to resolve starting shard iterator")
		r.emitError(err)
		return
	}

	retries := 0
	nonRetryableStreak := 0
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		r.limiter.wait()

		resp, err := r.api.GetRecords(ctx, &kinesis.GetRecordsInput{
			ShardIterator: shardIterator,
			Limit:         aws.Int32(r.pullLimit),
		})
		if err != nil {
			retries++
			rawSleep := time.Duration(retries) * 2 * time.Second
			sleep := rawSleep
			if sleep > MaxSleepTime {
				sleep = MaxSleepTime
			}

			if isRetryableKinesisError(err) {
				nonRetryableStreak = 0
				r.log.WithError(err).Warn("retryable error fetching records, backing off")
			} else {
				// A non-retryable error transitions to Retrying one more
				// time before it surfaces (spec.md §4.3): the first one in
				// a streak is logged and retried silently, only the second
				// and later are forwarded to the error channel.
				nonRetryableStreak++
				if nonRetryableStreak == 1 {
					r.log.WithError(err).Warn("non-retryable error fetching records, retrying once before surfacing")
				} else {
					r.log.WithError(err).Error("error fetching records")
					r.emitError(err)
				}
			}

			if rawSleep > MaxSleepTime {
				r.log.Error("exceeded max backoff without a successful read, exiting reader")
				return
			}
			if r.sleepOrStop(ctx, sleep) {
				return
			}
			continue
		}

		retries = 0
		nonRetryableStreak = 0

		var bytes int64
		for _, rec := range resp.Records {
			bytes += int64(len(rec.Data)) + int64(len(aws.ToString(rec.PartitionKey)))
		}
		r.limiter.recordBytes(bytes)

		for _, rec := range resp.Records {
			out := Record{
				ShardID:        r.shardID,
				SequenceNumber: aws.ToString(rec.SequenceNumber),
				PartitionKey:   aws.ToString(rec.PartitionKey),
				Data:           rec.Data,
			}
			if rec.ApproximateArrivalTimestamp != nil {
				out.ArrivalTime = *rec.ApproximateArrivalTimestamp
			}
			if r.sendRecord(ctx, out) {
				return
			}
		}

		if resp.NextShardIterator == nil {
			r.log.Info("shard closed")
			return
		}
		shardIterator = resp.NextShardIterator

		if r.sleepOrStop(ctx, r.sleepTime) {
			return
		}
	}
}

func (r *PullReader) resolveIterator(ctx context.Context) (*string, error) {
	input := &kinesis.GetShardIteratorInput{
		StreamName: aws.String(r.streamName),
		ShardId:    aws.String(r.shardID),
	}
	switch r.iterator.Type {
	case checkpoint.IteratorAfterSequenceNumber:
		input.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		input.StartingSequenceNumber = aws.String(r.iterator.SequenceNumber)
	case checkpoint.IteratorAtSequenceNumber:
		input.ShardIteratorType = types.ShardIteratorTypeAtSequenceNumber
		input.StartingSequenceNumber = aws.String(r.iterator.SequenceNumber)
	case checkpoint.IteratorAtTimestamp:
		input.ShardIteratorType = types.ShardIteratorTypeAtTimestamp
		input.Timestamp = &r.iterator.Timestamp
	case checkpoint.IteratorTrimHorizon:
		input.ShardIteratorType = types.ShardIteratorTypeTrimHorizon
	default:
		input.ShardIteratorType = types.ShardIteratorTypeLatest
	}

	out, err := r.api.GetShardIterator(ctx, input)
	if err != nil {
		return nil, err
	}
	return out.ShardIterator, nil
}

// sendRecord delivers a record to the bounded channel, honoring
// shutdown/cancellation while blocked (the channel is the per-shard
// backpressure point, per SPEC_FULL.md §5). Returns true if the reader
// should exit instead.
func (r *PullReader) sendRecord(ctx context.Context, rec Record) bool {
	select {
	case r.records <- rec:
		return false
	case <-r.stop:
		return true
	case <-ctx.Done():
		return true
	}
}

func (r *PullReader) emitError(err error) {
	select {
	case r.errs <- err:
	default:
	}
}

// sleepOrStop sleeps for d unless stop/ctx fires first, in which case it
// returns true so the caller can exit immediately.
func (r *PullReader) sleepOrStop(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-r.stop:
		return true
	case <-ctx.Done():
		return true
	}
}

// isRetryableKinesisError classifies transient GetRecords failures:
// provisioned-throughput-exceeded, KMS throttling, limit-exceeded, and
// the throttling error codes below. HTTP/2 stream-init errors are not
// checked here; the push reader recognizes them with isHTTP2InitError.
// Grounded on polling-shard-consumer.go's errors.As dispatch.
func isRetryableKinesisError(err error) bool {
	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return true
	}
	var kmsThrottling *types.KMSThrottlingException
	if errors.As(err, &kmsThrottling) {
		return true
	}
	var limitExceeded *types.LimitExceededException
	if errors.As(err, &limitExceeded) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ProvisionedThroughputExceededException", "TooManyRequestsException":
			return true
		}
	}
	return false
}
