package failures

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/storacha/queuepump/internal/pump"
)

var _ FailureTable = (*DynamoFailureTable)(nil)

// DynamoAPI is the subset of the DynamoDB client used by the table.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var _ DynamoAPI = (*dynamodb.Client)(nil)

type DynamoFailureTable struct {
	client    DynamoAPI
	tableName string
}

func NewDynamoFailureTable(client DynamoAPI, tableName string) *DynamoFailureTable {
	return &DynamoFailureTable{client, tableName}
}

type failureRecord struct {
	// Partition key: queue name
	Queue string `dynamodbav:"queue"`

	// Sort key: "OCCURRED_AT#UNIQUE_ID", sorts by time within a queue
	SK string `dynamodbav:"SK"`

	MessageID     string `dynamodbav:"messageID"`
	DeliveryCount int    `dynamodbav:"deliveryCount"`
	Stage         string `dynamodbav:"stage"`
	Error         string `dynamodbav:"error"`
	OccurredAt    string `dynamodbav:"occurredAt"`
}

func newRecord(rec FailureRecord) failureRecord {
	occurredAt := rec.OccurredAt.UTC().Format(time.RFC3339Nano)
	return failureRecord{
		Queue:         rec.Queue,
		SK:            fmt.Sprintf("%s#%s", occurredAt, uuid.New()),
		MessageID:     rec.MessageID,
		DeliveryCount: rec.DeliveryCount,
		Stage:         string(rec.Stage),
		Error:         rec.Error,
		OccurredAt:    occurredAt,
	}
}

func (d *DynamoFailureTable) Record(ctx context.Context, rec FailureRecord) error {
	item, err := attributevalue.MarshalMap(newRecord(rec))
	if err != nil {
		return fmt.Errorf("serializing failure record: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("storing failure record: %w", err)
	}
	return nil
}

func (d *DynamoFailureTable) ListByQueue(ctx context.Context, queue string, limit int) ([]FailureRecord, error) {
	records := make([]FailureRecord, 0)
	var exclusiveStartKey map[string]types.AttributeValue

	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(d.tableName),
			KeyConditionExpression: aws.String("#queue = :queue"),
			ExpressionAttributeNames: map[string]string{
				"#queue": "queue",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":queue": &types.AttributeValueMemberS{Value: queue},
			},
			ScanIndexForward: aws.Bool(false),
		}
		if limit > 0 {
			input.Limit = aws.Int32(int32(limit - len(records)))
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		result, err := d.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("querying failure records for queue: %w", err)
		}

		for _, item := range result.Items {
			rec, err := d.unmarshalRecord(item)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}

		if result.LastEvaluatedKey == nil || (limit > 0 && len(records) >= limit) {
			break
		}
		exclusiveStartKey = result.LastEvaluatedKey
	}

	return records, nil
}

func (d *DynamoFailureTable) unmarshalRecord(item map[string]types.AttributeValue) (FailureRecord, error) {
	var record failureRecord
	if err := attributevalue.UnmarshalMap(item, &record); err != nil {
		return FailureRecord{}, fmt.Errorf("unmarshaling failure record: %w", err)
	}

	occurredAt := record.OccurredAt
	if occurredAt == "" {
		occurredAt, _, _ = strings.Cut(record.SK, "#")
	}
	t, err := time.Parse(time.RFC3339Nano, occurredAt)
	if err != nil {
		return FailureRecord{}, fmt.Errorf("parsing failure time: %w", err)
	}

	return FailureRecord{
		Queue:         record.Queue,
		MessageID:     record.MessageID,
		DeliveryCount: record.DeliveryCount,
		Stage:         pump.Stage(record.Stage),
		Error:         record.Error,
		OccurredAt:    t,
	}, nil
}
