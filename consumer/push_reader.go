package consumer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/saleswhale/kinesis-go/checkpoint"
	"github.com/saleswhale/kinesis-go/internal/logging"
)

// PushKinesisAPI is the narrow slice of *kinesis.Client the EFO reader
// needs.
type PushKinesisAPI interface {
	SubscribeToShard(ctx context.Context, params *kinesis.SubscribeToShardInput, optFns ...func(*kinesis.Options)) (*kinesis.SubscribeToShardOutput, error)
}

// PushReader implements the enhanced-fan-out subscription protocol of
// spec.md §4.4. No example in the teacher corpus subscribes to a shard
// (SubscribeToShard appears only in go.mod dependency closures); this
// implementation follows spec.md §4.4 directly, in the sibling-reader
// idiom established by PullReader.
type PushReader struct {
	shardID     string
	consumerARN string
	api         PushKinesisAPI
	records     chan<- Record
	errs        chan<- error
	waitTimeout time.Duration
	log         *logrus.Entry

	posMu    sync.Mutex
	position checkpoint.IteratorSpec

	mu    sync.Mutex
	alive bool
	stop  chan struct{}
	done  chan struct{}
}

// NewPushReader constructs an EFO reader for one shard behind consumerARN.
func NewPushReader(shardID, consumerARN string, api PushKinesisAPI, startingPosition checkpoint.IteratorSpec, records chan<- Record, errs chan<- error, waitTimeout time.Duration, log *logrus.Entry) *PushReader {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	return &PushReader{
		shardID:     shardID,
		consumerARN: consumerARN,
		api:         api,
		position:    startingPosition,
		records:     records,
		errs:        errs,
		waitTimeout: waitTimeout,
		log:         log.WithField("shard_id", shardID),
		alive:       true,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Alive implements Reader.
func (r *PushReader) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive
}

// Shutdown implements Reader. Any in-flight subscription's stream is
// closed by the cleanup step of the loop currently iterating.
func (r *PushReader) Shutdown() {
	r.mu.Lock()
	if !r.alive {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	close(r.stop)
	<-r.done
}

func (r *PushReader) markDead() {
	r.mu.Lock()
	r.alive = false
	r.mu.Unlock()
}

// Run establishes a subscription, drains it until it ends or times out,
// advances the starting position, and resubscribes, until Shutdown is
// called.
func (r *PushReader) Run(ctx context.Context) {
	defer close(r.done)
	defer r.markDead()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		pos := r.currentPosition()
		attemptID := uuid.NewString()
		log := r.log.WithField("subscription_attempt", attemptID)

		out, err := r.api.SubscribeToShard(ctx, &kinesis.SubscribeToShardInput{
			ConsumerARN:      aws.String(r.consumerARN),
			ShardId:          aws.String(r.shardID),
			StartingPosition: toStartingPosition(pos),
		})
		if err != nil {
			r.logAndForwardSubscribeError(log, err)
			if r.sleepOrStop(ctx, time.Second) {
				return
			}
			continue
		}
		log.Debug("subscription established")

		continuation := r.consumeStream(ctx, log, out.GetStream())
		if continuation != nil {
			r.setPosition(checkpoint.IteratorSpec{
				Type:           checkpoint.IteratorAfterSequenceNumber,
				SequenceNumber: *continuation,
			})
		}
	}
}

// consumeStream drains one subscription until it ends, times out, or
// shutdown/cancellation fires. It returns the last observed
// continuation sequence number, or nil if none arrived.
func (r *PushReader) consumeStream(ctx context.Context, log *logrus.Entry, stream *types.SubscribeToShardEventStream) *string {
	defer stream.Close()

	var continuation *string
	timer := time.NewTimer(r.waitTimeout)
	defer timer.Stop()

	for {
		select {
		case event, ok := <-stream.Events():
			if !ok {
				r.classifyStreamError(log, stream.Err())
				return continuation
			}
			if seq := r.handleEvent(ctx, event); seq != nil {
				continuation = seq
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(r.waitTimeout)
		case <-timer.C:
			log.Warn("subscription wait timed out, reconnecting")
			return continuation
		case <-r.stop:
			return continuation
		case <-ctx.Done():
			return continuation
		}
	}
}

// handleEvent dispatches one stream event: a record/continuation event
// is pushed to the record channel and its continuation number returned;
// an error-typed member event is forwarded to the error channel.
func (r *PushReader) handleEvent(ctx context.Context, event types.SubscribeToShardEventStreamEvent) *string {
	member, ok := event.(*types.SubscribeToShardEventStreamMemberSubscribeToShardEvent)
	if !ok {
		r.emitError(errorFromStreamEventMember(event))
		return nil
	}

	for _, rec := range member.Value.Records {
		out := Record{
			ShardID:        r.shardID,
			SequenceNumber: aws.ToString(rec.SequenceNumber),
			PartitionKey:   aws.ToString(rec.PartitionKey),
			Data:           rec.Data,
		}
		if rec.ApproximateArrivalTimestamp != nil {
			out.ArrivalTime = *rec.ApproximateArrivalTimestamp
		}
		select {
		case r.records <- out:
		case <-r.stop:
			return member.Value.ContinuationSequenceNumber
		case <-ctx.Done():
			return member.Value.ContinuationSequenceNumber
		}
	}
	return member.Value.ContinuationSequenceNumber
}

func (r *PushReader) currentPosition() checkpoint.IteratorSpec {
	r.posMu.Lock()
	defer r.posMu.Unlock()
	return r.position
}

func (r *PushReader) setPosition(pos checkpoint.IteratorSpec) {
	r.posMu.Lock()
	r.position = pos
	r.posMu.Unlock()
}

func (r *PushReader) emitError(err error) {
	select {
	case r.errs <- err:
	default:
	}
}

func (r *PushReader) sleepOrStop(ctx context.Context, d time.Duration) bool {
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

func toStartingPosition(pos checkpoint.IteratorSpec) types.StartingPosition {
	sp := types.StartingPosition{}
	switch pos.Type {
	case checkpoint.IteratorAfterSequenceNumber:
		sp.Type = types.ShardIteratorTypeAfterSequenceNumber
		sp.SequenceNumber = aws.String(pos.SequenceNumber)
	case checkpoint.IteratorAtSequenceNumber:
		sp.Type = types.ShardIteratorTypeAtSequenceNumber
		sp.SequenceNumber = aws.String(pos.SequenceNumber)
	case checkpoint.IteratorAtTimestamp:
		sp.Type = types.ShardIteratorTypeAtTimestamp
		sp.Timestamp = &pos.Timestamp
	case checkpoint.IteratorTrimHorizon:
		sp.Type = types.ShardIteratorTypeTrimHorizon
	default:
		sp.Type = types.ShardIteratorTypeLatest
	}
	return sp
}

// logAndForwardSubscribeError classifies a SubscribeToShard
// establishment error into the four buckets of spec.md §4.4 and
// forwards it to the error channel with matching log severity.
// Distinct from the wait-loop's timeout/generic errors, which are
// normal reconnection triggers and are not forwarded.
func (r *PushReader) logAndForwardSubscribeError(log *logrus.Entry, err error) {
	var deser *smithy.DeserializationError
	switch {
	case errors.As(err, &deser):
		log.WithError(err).Error("structural error establishing subscription")
	case isHTTP2InitError(err):
		log.WithError(err).Warn("http2 stream initialization error establishing subscription")
	default:
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			log.WithError(err).Errorf("service error establishing subscription (code=%s)", apiErr.ErrorCode())
		} else {
			log.WithError(err).Error("error establishing subscription")
		}
	}
	r.emitError(err)
}

// classifyStreamError handles an error that ended an already-established
// subscription stream (as opposed to one that failed to establish it).
// Per spec.md §4.4/§7(5), only service-classified and parse errors are
// forwarded to the error channel; a nil error (clean stream close),
// HTTP2-init errors, and generic stream-end errors are normal
// resubscription triggers and are swallowed here.
func (r *PushReader) classifyStreamError(log *logrus.Entry, err error) {
	if err == nil {
		return
	}
	var deser *smithy.DeserializationError
	if errors.As(err, &deser) {
		log.WithError(err).Error("structural error ending subscription stream")
		r.emitError(err)
		return
	}
	if isHTTP2InitError(err) {
		log.WithError(err).Debug("subscription stream ended with an http2 stream error")
		return
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		log.WithError(err).Errorf("service error ending subscription stream (code=%s)", apiErr.ErrorCode())
		r.emitError(err)
		return
	}
	log.WithError(err).Debug("subscription stream ended")
}

func isHTTP2InitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "http2") || strings.Contains(msg, "stream error") || strings.Contains(msg, "goaway")
}

func errorFromStreamEventMember(event types.SubscribeToShardEventStreamEvent) error {
	return errors.New("consumer: subscription error event received")
}
