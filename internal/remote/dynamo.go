package remote

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	apperrors "github.com/solarcrm/fieldsync/internal/errors"
)

// dynamoAPI is the subset of the DynamoDB client used here.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// dynamoItem is one submission in the backend table. The partition key is
// the dedupe key when the record has one, so a second equivalent record
// fails the put condition.
type dynamoItem struct {
	PK        string `dynamodbav:"pk"`
	ID        string `dynamodbav:"id"`
	ClientRef string `dynamodbav:"client_ref"`
	Kind      string `dynamodbav:"kind"`
	OwnerKey  string `dynamodbav:"owner_key"`
	Payload   string `dynamodbav:"payload"`
	Forced    bool   `dynamodbav:"forced"`
	CreatedAt int64  `dynamodbav:"created_at"`
}

// DynamoSubmitter stores records in a single DynamoDB table.
type DynamoSubmitter struct {
	db    dynamoAPI
	table string
	now   func() time.Time
}

// NewDynamoSubmitter builds a client from the default AWS config chain.
// endpoint overrides the service endpoint (DynamoDB Local, LocalStack).
func NewDynamoSubmitter(ctx context.Context, table, region, endpoint string) (*DynamoSubmitter, error) {
	if table == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "dynamo table is empty")
	}
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "load aws config", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return newDynamoSubmitter(client, table), nil
}

func newDynamoSubmitter(db dynamoAPI, table string) *DynamoSubmitter {
	return &DynamoSubmitter{db: db, table: table, now: time.Now}
}

func dynamoKey(req SubmitRequest) string {
	table := req.Kind.Table()
	key := DedupeKey(req.Kind, req.Payload)
	if key == "" || req.Force {
		return table + "#ref#" + req.LocalID.String()
	}
	return table + "#" + key
}

// Submit implements Submitter.
func (s *DynamoSubmitter) Submit(ctx context.Context, req SubmitRequest) SubmitResult {
	if req.Kind.Table() == "" {
		return Transientf("unknown record kind %q", req.Kind)
	}

	item := dynamoItem{
		PK:        dynamoKey(req),
		ID:        uuid.NewString(),
		ClientRef: req.LocalID.String(),
		Kind:      string(req.Kind),
		OwnerKey:  req.OwnerKey,
		Payload:   string(req.Payload),
		Forced:    req.Force,
		CreatedAt: s.now().UnixMilli(),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return Transientf("encode item: %v", err)
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err == nil {
		return Accepted(item.ID)
	}

	var condErr *types.ConditionalCheckFailedException
	if !errors.As(err, &condErr) {
		return Transientf("put item: %v", err)
	}
	return s.resolveExisting(ctx, item.PK, req)
}

// resolveExisting tells a replay of our own earlier put from a real duplicate.
func (s *DynamoSubmitter) resolveExisting(ctx context.Context, pk string, req SubmitRequest) SubmitResult {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: pk}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Transientf("get item: %v", err)
	}
	if out.Item == nil {
		// Deleted between the put and the read; try again next round.
		return Transient("existing item vanished")
	}

	var existing dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &existing); err != nil {
		return Transientf("decode item: %v", err)
	}
	if existing.ClientRef == req.LocalID.String() {
		return Accepted(existing.ID)
	}
	return Conflict("duplicate of " + existing.Kind + " " + existing.ID)
}
