package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/saleswhale/kinesis-go/internal/logging"
)

// DynamoDBAPI is the narrow slice of *dynamodb.Client the Store needs,
// grounded on lease_manager.go's DynamoDBAPIForLease: it lets tests
// supply a fake instead of hitting a real table.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

const (
	attrConsumerGroup = "consumerGroup"
	attrStreamName    = "streamName"
)

// Store is the Coordinator Store Adapter of SPEC_FULL.md §4.1: plain
// CRUD plus CAS-conditional updates over the shards map, with
// retry-on-throttle and detection of the nested-map bootstrap quirk.
type Store struct {
	api   DynamoDBAPI
	table string
	log   *logrus.Entry

	// retryWait is the fixed delay between throttle retries; exposed
	// only so tests don't have to sleep a full second.
	retryWait time.Duration
}

// NewStore builds a Store against an existing DynamoDB table.
func NewStore(api DynamoDBAPI, table string, log *logrus.Entry) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{api: api, table: table, log: log, retryWait: time.Second}
}

// EnsureTable creates the table if it does not already exist, waiting
// for it to become ACTIVE. Grounded on lease_manager.go's
// InitializeMetadataTable.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}
	var notFound *ddbtypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("checkpoint: describe table %s: %w", s.table, err)
	}

	_, err = s.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.table),
		BillingMode: ddbtypes.BillingModePayPerRequest,
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String(attrConsumerGroup), KeyType: ddbtypes.KeyTypeHash},
			{AttributeName: aws.String(attrStreamName), KeyType: ddbtypes.KeyTypeRange},
		},
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String(attrConsumerGroup), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrStreamName), AttributeType: ddbtypes.ScalarAttributeTypeS},
		},
	})
	if err != nil {
		return fmt.Errorf("checkpoint: create table %s: %w", s.table, err)
	}

	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		desc, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
		if err == nil && desc.Table != nil && desc.Table.TableStatus == ddbtypes.TableStatusActive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("checkpoint: timed out waiting for table %s to become active", s.table)
}

// GetItem performs a (optionally strongly consistent) read. It returns
// (nil, nil) when the item does not yet exist.
func (s *Store) GetItem(ctx context.Context, key Key, consistentRead bool) (*Item, error) {
	var out *dynamodb.GetItemOutput
	err := s.withThrottleRetry(ctx, func() error {
		var callErr error
		out, callErr = s.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.table),
			ConsistentRead: aws.Bool(consistentRead),
			Key:            keyAttributes(key),
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item Item
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal item: %w", err)
	}
	return &item, nil
}

// PutItem unconditionally writes a whole item; used only to seed a
// fresh (consumerGroup, streamName) row in tests and bootstrap tools.
func (s *Store) PutItem(ctx context.Context, item Item) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal item: %w", err)
	}
	return s.withThrottleRetry(ctx, func() error {
		_, callErr := s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      av,
		})
		return callErr
	})
}

// UpdateSpec describes a single conditional UpdateItem call.
type UpdateSpec struct {
	UpdateExpression          string
	ConditionExpression       string
	ExpressionAttributeNames  map[string]string
	ExpressionAttributeValues map[string]interface{}
}

// UpdateItem issues a conditional update. It classifies the three
// outcomes callers care about:
//   - nil: the update applied.
//   - ErrConditionFailed: the condition expression evaluated false
//     (ConditionalCheckFailedException) — not a bootstrap problem, just
//     lost the race. The Lease Manager remaps this to ErrLeaseNotAcquired
//     at its own layer; Store itself knows nothing about leases.
//   - ErrShardsMapMissing: the update touched a nested path under a
//     top-level map attribute that does not exist yet. The caller (the
//     Lease Manager) is responsible for the bootstrap-quirk recovery.
//
// All other errors, including throttling (retried internally first),
// propagate wrapped with a "checkpoint: update item" prefix.
func (s *Store) UpdateItem(ctx context.Context, key Key, spec UpdateSpec) error {
	values, err := attributevalue.MarshalMap(spec.ExpressionAttributeValues)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal update values: %w", err)
	}

	err = s.withThrottleRetry(ctx, func() error {
		_, callErr := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(s.table),
			Key:                       keyAttributes(key),
			UpdateExpression:          aws.String(spec.UpdateExpression),
			ConditionExpression:       conditionPtr(spec.ConditionExpression),
			ExpressionAttributeNames:  spec.ExpressionAttributeNames,
			ExpressionAttributeValues: values,
		})
		return callErr
	})
	if err == nil {
		return nil
	}

	var condFailed *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return ErrConditionFailed
	}
	if isMissingDocumentPathError(err) {
		return ErrShardsMapMissing
	}
	return fmt.Errorf("checkpoint: update item: %w", err)
}

func conditionPtr(expr string) *string {
	if expr == "" {
		return nil
	}
	return aws.String(expr)
}

func keyAttributes(key Key) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		attrConsumerGroup: &ddbtypes.AttributeValueMemberS{Value: key.ConsumerGroup},
		attrStreamName:    &ddbtypes.AttributeValueMemberS{Value: key.StreamName},
	}
}

// withThrottleRetry retries the given call, indefinitely, on any error
// classified as transient throttling, sleeping retryWait between
// attempts (SPEC_FULL.md §4.1). Any other error returns immediately.
func (s *Store) withThrottleRetry(ctx context.Context, call func() error) error {
	for {
		err := call()
		if err == nil || !isThrottlingError(err) {
			return err
		}
		s.log.WithError(err).Warn("dynamodb request throttled, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryWait):
		}
	}
}

func isThrottlingError(err error) bool {
	var provisionedThroughput *ddbtypes.ProvisionedThroughputExceededException
	if errors.As(err, &provisionedThroughput) {
		return true
	}
	var requestLimitExceeded *ddbtypes.RequestLimitExceeded
	if errors.As(err, &requestLimitExceeded) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	return false
}

// isMissingDocumentPathError recognizes the ValidationException
// DynamoDB raises when an update expression references a nested path
// (shards.<id>.field) whose parent map attribute does not exist.
func isMissingDocumentPathError(err error) bool {
	var validation *ddbtypes.ValidationException
	if !errors.As(err, &validation) {
		return false
	}
	msg := strings.ToLower(aws.ToString(validation.Message))
	return strings.Contains(msg, "document path") || strings.Contains(msg, "provided expression refers to an attribute that does not exist")
}
