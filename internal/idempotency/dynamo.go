// ABOUTME: DynamoDB-backed idempotency store using a conditional put on content_hash.
// ABOUTME: attribute_not_exists makes the first writer win; losers treat the race as success.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB API the store needs. Implemented
// by *dynamodb.Client.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Dynamo is a Store backed by a DynamoDB table with content_hash as the
// partition key.
type Dynamo struct {
	db    DynamoAPI
	table string
}

// NewDynamo creates a Dynamo store writing to table.
func NewDynamo(db DynamoAPI, table string) *Dynamo {
	return &Dynamo{db: db, table: table}
}

func (s *Dynamo) Delivered(ctx context.Context, contentHash string) (bool, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"content_hash": &types.AttributeValueMemberS{Value: contentHash},
		},
		// The marker may have been written milliseconds ago by a concurrent
		// invocation; eventual consistency would re-send the email.
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("idempotency lookup %s: %w", contentHash, err)
	}
	return len(out.Item) > 0, nil
}

func (s *Dynamo) MarkDelivered(ctx context.Context, m Marker) error {
	item, err := attributevalue.MarshalMap(m)
	if err != nil {
		return fmt.Errorf("idempotency marshal marker: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(content_hash)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		// A concurrent invocation marked this hash first. Deliberately not an
		// error: the report was delivered exactly once either way.
		return nil
	}
	if err != nil {
		return fmt.Errorf("idempotency mark %s: %w", m.ContentHash, err)
	}
	return nil
}
