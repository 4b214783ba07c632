package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saleswhale/kinesis-go/checkpoint"
)

// fakePushAPI always fails to establish a subscription; it exercises the
// reconnect-sleep branch of Run without needing to fabricate a
// *types.SubscribeToShardEventStream, which has no exported constructor.
type fakePushAPI struct {
	err error
}

func (f *fakePushAPI) SubscribeToShard(ctx context.Context, params *kinesis.SubscribeToShardInput, optFns ...func(*kinesis.Options)) (*kinesis.SubscribeToShardOutput, error) {
	return nil, f.err
}

func TestPushReader_ShutdownDuringReconnectLoop(t *testing.T) {
	api := &fakePushAPI{err: errors.New("dial tcp: connection refused")}
	errs := make(chan error, 8)
	r := NewPushReader("shardId-000000000000", "arn:aws:kinesis:consumer/x", api,
		checkpoint.IteratorSpec{Type: checkpoint.IteratorLatest}, make(chan Record, 1), errs, time.Second, nil)

	go r.Run(context.Background())
	require.Eventually(t, r.Alive, time.Second, time.Millisecond)

	r.Shutdown()
	assert.False(t, r.Alive())

	select {
	case err := <-errs:
		assert.Error(t, err)
	default:
		t.Fatal("expected a forwarded subscribe error")
	}
}

func TestToStartingPosition(t *testing.T) {
	cases := []struct {
		spec checkpoint.IteratorSpec
		want types.ShardIteratorType
	}{
		{checkpoint.IteratorSpec{Type: checkpoint.IteratorLatest}, types.ShardIteratorTypeLatest},
		{checkpoint.IteratorSpec{Type: checkpoint.IteratorTrimHorizon}, types.ShardIteratorTypeTrimHorizon},
		{checkpoint.IteratorSpec{Type: checkpoint.IteratorAfterSequenceNumber, SequenceNumber: "7"}, types.ShardIteratorTypeAfterSequenceNumber},
		{checkpoint.IteratorSpec{Type: checkpoint.IteratorAtSequenceNumber, SequenceNumber: "7"}, types.ShardIteratorTypeAtSequenceNumber},
	}
	for _, c := range cases {
		got := toStartingPosition(c.spec)
		assert.Equal(t, c.want, got.Type)
	}
}

func TestToStartingPosition_AfterSequenceNumberCarriesSequence(t *testing.T) {
	got := toStartingPosition(checkpoint.IteratorSpec{Type: checkpoint.IteratorAfterSequenceNumber, SequenceNumber: "123"})
	assert.Equal(t, "123", aws.ToString(got.SequenceNumber))
}

func TestIsHTTP2InitError(t *testing.T) {
	assert.True(t, isHTTP2InitError(errors.New("http2: client connection lost")))
	assert.True(t, isHTTP2InitError(errors.New("stream error: stream ID 1; INTERNAL_ERROR")))
	assert.False(t, isHTTP2InitError(errors.New("access denied")))
}

func TestPushReader_PositionRoundTrip(t *testing.T) {
	r := NewPushReader("shardId-000000000000", "arn", &fakePushAPI{}, checkpoint.IteratorSpec{Type: checkpoint.IteratorLatest}, make(chan Record, 1), make(chan error, 1), time.Second, nil)
	assert.Equal(t, checkpoint.IteratorLatest, r.currentPosition().Type)

	r.setPosition(checkpoint.IteratorSpec{Type: checkpoint.IteratorAfterSequenceNumber, SequenceNumber: "9"})
	pos := r.currentPosition()
	assert.Equal(t, checkpoint.IteratorAfterSequenceNumber, pos.Type)
	assert.Equal(t, "9", pos.SequenceNumber)
}
