package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saleswhale/kinesis-go/checkpoint"
)

// fakeOrchestratorAPI implements the full KinesisAPI union with
// in-memory state: one shard, a fixed record backlog, and a DynamoDB
// item shared with a checkpoint.Store so lease acquisition is real.
type fakeOrchestratorAPI struct {
	mu      sync.Mutex
	items   map[string]map[string]ddbtypes.AttributeValue
	records []types.Record
	served  bool
}

func newFakeOrchestratorAPI() *fakeOrchestratorAPI {
	return &fakeOrchestratorAPI{items: make(map[string]map[string]ddbtypes.AttributeValue)}
}

func (f *fakeOrchestratorAPI) DescribeStream(ctx context.Context, params *kinesis.DescribeStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamOutput, error) {
	return &kinesis.DescribeStreamOutput{
		StreamDescription: &types.StreamDescription{
			StreamARN:            aws.String("arn:aws:kinesis:us-east-1:1:stream/stream-a"),
			RetentionPeriodHours: aws.Int32(24),
		},
	}, nil
}

func (f *fakeOrchestratorAPI) ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error) {
	return &kinesis.ListShardsOutput{
		Shards: []types.Shard{{ShardId: aws.String("shardId-000000000000")}},
	}, nil
}

func (f *fakeOrchestratorAPI) DescribeStreamConsumer(ctx context.Context, params *kinesis.DescribeStreamConsumerInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamConsumerOutput, error) {
	return nil, &types.ResourceNotFoundException{}
}

func (f *fakeOrchestratorAPI) RegisterStreamConsumer(ctx context.Context, params *kinesis.RegisterStreamConsumerInput, optFns ...func(*kinesis.Options)) (*kinesis.RegisterStreamConsumerOutput, error) {
	return &kinesis.RegisterStreamConsumerOutput{
		Consumer: &types.Consumer{ConsumerARN: aws.String("arn:aws:kinesis:consumer/test")},
	}, nil
}

func (f *fakeOrchestratorAPI) GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error) {
	return &kinesis.GetShardIteratorOutput{ShardIterator: aws.String("iter-0")}, nil
}

func (f *fakeOrchestratorAPI) GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.served {
		return &kinesis.GetRecordsOutput{NextShardIterator: aws.String("iter-1")}, nil
	}
	f.served = true
	return &kinesis.GetRecordsOutput{Records: f.records, NextShardIterator: aws.String("iter-1")}, nil
}

func (f *fakeOrchestratorAPI) SubscribeToShard(ctx context.Context, params *kinesis.SubscribeToShardInput, optFns ...func(*kinesis.Options)) (*kinesis.SubscribeToShardOutput, error) {
	return nil, assert.AnError
}

func (f *fakeOrchestratorAPI) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := testAttrString(params.Key, attrConsumerGroupForTest) + "|" + testAttrString(params.Key, attrStreamNameForTest)
	return &dynamodb.GetItemOutput{Item: f.items[key]}, nil
}

func testAttrString(av map[string]ddbtypes.AttributeValue, name string) string {
	member, ok := av[name].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return ""
	}
	return member.Value
}

func (f *fakeOrchestratorAPI) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeOrchestratorAPI) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeOrchestratorAPI) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeOrchestratorAPI) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{Table: &ddbtypes.TableDescription{TableStatus: ddbtypes.TableStatusActive}}, nil
}

func (f *fakeOrchestratorAPI) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := testAttrString(in.Key, attrConsumerGroupForTest) + "|" + testAttrString(in.Key, attrStreamNameForTest)
	// Unconditional acceptance: orchestrator-level tests exercise the
	// dispatch/lease-cycle loop, not DynamoDB's CAS semantics (covered
	// exhaustively by checkpoint/lease_test.go's fakeDynamoDB).
	f.items[key] = map[string]ddbtypes.AttributeValue{
		attrConsumerGroupForTest: &ddbtypes.AttributeValueMemberS{Value: "group-a"},
		attrStreamNameForTest:    &ddbtypes.AttributeValueMemberS{Value: "stream-a"},
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

const (
	attrConsumerGroupForTest = "consumerGroup"
	attrStreamNameForTest    = "streamName"
)

func TestOrchestrator_BootstrapAndDispatchChecksOutARecord(t *testing.T) {
	api := newFakeOrchestratorAPI()
	api.records = []types.Record{
		{SequenceNumber: aws.String("1"), PartitionKey: aws.String("pk"), Data: []byte("payload")},
	}
	store := checkpoint.NewStore(api, "leases", nil)

	o := NewOrchestrator(Config{
		StreamName:    "stream-a",
		ConsumerGroup: "group-a",
		ConsumerID:    "me",
		Mode:          ModePull,
		ReadInterval:  time.Millisecond,
	}, api, store, nil)

	var mu sync.Mutex
	var got []Record
	handler := func(r Record) error {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := o.Run(ctx, handler)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].SequenceNumber)
	assert.Equal(t, []byte("payload"), got[0].Data)
}

func TestOrchestrator_ResolvesDefaultsWhenUnset(t *testing.T) {
	api := newFakeOrchestratorAPI()
	store := checkpoint.NewStore(api, "leases", nil)
	o := NewOrchestrator(Config{StreamName: "stream-a"}, api, store, nil)
	assert.NotEmpty(t, o.cfg.ConsumerGroup)
	assert.NotEmpty(t, o.cfg.ConsumerID)
}
