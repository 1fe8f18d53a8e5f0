package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xworld"
)

// processedItem is the registry row. ttl is epoch seconds so DynamoDB's
// TTL sweeper can drop it; reads still filter on ExpiresUTC because the
// sweeper runs late.
type processedItem struct {
	IdempotencyKey string `dynamodbav:"idempotencyKey"`
	ID             string `dynamodbav:"id"`
	EventID        string `dynamodbav:"eventId"`
	EventType      string `dynamodbav:"eventType"`
	CorrelationID  string `dynamodbav:"correlationId,omitempty"`
	ProcessedUTC   string `dynamodbav:"processedUtc"`
	ActorKind      string `dynamodbav:"actorKind"`
	ActorID        string `dynamodbav:"actorId,omitempty"`
	Version        int    `dynamodbav:"version"`
	ExpiresUTC     string `dynamodbav:"expiresUtc,omitempty"`
	TTL            int64  `dynamodbav:"ttl,omitempty"`
}

func toProcessedItem(rec xworld.ProcessedEventRecord) processedItem {
	it := processedItem{
		IdempotencyKey: rec.IdempotencyKey,
		ID:             rec.ID,
		EventID:        rec.EventID,
		EventType:      rec.EventType,
		CorrelationID:  rec.CorrelationID,
		ProcessedUTC:   rec.ProcessedUTC.UTC().Format(time.RFC3339Nano),
		ActorKind:      string(rec.ActorKind),
		ActorID:        rec.ActorID,
		Version:        rec.Version,
	}
	if !rec.ExpiresUTC.IsZero() {
		it.ExpiresUTC = rec.ExpiresUTC.UTC().Format(time.RFC3339Nano)
		it.TTL = rec.ExpiresUTC.Unix()
	}
	return it
}

func (it processedItem) record() (xworld.ProcessedEventRecord, error) {
	rec := xworld.ProcessedEventRecord{
		ID:             it.ID,
		IdempotencyKey: it.IdempotencyKey,
		EventID:        it.EventID,
		EventType:      it.EventType,
		CorrelationID:  it.CorrelationID,
		ActorKind:      xworld.ActorKind(it.ActorKind),
		ActorID:        it.ActorID,
		Version:        it.Version,
	}
	var err error
	if rec.ProcessedUTC, err = time.Parse(time.RFC3339Nano, it.ProcessedUTC); err != nil {
		return rec, fmt.Errorf("processedUtc: %w", err)
	}
	if it.ExpiresUTC != "" {
		if rec.ExpiresUTC, err = time.Parse(time.RFC3339Nano, it.ExpiresUTC); err != nil {
			return rec, fmt.Errorf("expiresUtc: %w", err)
		}
	}
	return rec, nil
}

// Registry implements xworld.IdempotencyStore on a DynamoDB table.
type Registry struct {
	db    API
	table string
	now   func() time.Time
}

var _ xworld.IdempotencyStore = (*Registry)(nil)

func NewRegistry(db API, table string) (*Registry, error) {
	if table == "" {
		return nil, ErrNoTable
	}
	return &Registry{db: db, table: table, now: xclock.Default().Now}, nil
}

// WithNow overrides the clock used to filter expired rows.
func (r *Registry) WithNow(now func() time.Time) *Registry {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *Registry) CheckProcessed(ctx context.Context, idempotencyKey string) (*xworld.ProcessedEventRecord, error) {
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"idempotencyKey": &types.AttributeValueMemberS{Value: idempotencyKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get %q: %w", idempotencyKey, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var it processedItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("dynamo: decode %q: %w", idempotencyKey, err)
	}
	rec, err := it.record()
	if err != nil {
		return nil, fmt.Errorf("dynamo: decode %q: %w", idempotencyKey, err)
	}
	if rec.Expired(r.now()) {
		return nil, nil
	}
	return &rec, nil
}

// MarkProcessed is an unconditional put; a later write for the same key
// replaces the earlier one.
func (r *Registry) MarkProcessed(ctx context.Context, rec xworld.ProcessedEventRecord) (xworld.ProcessedEventRecord, error) {
	item, err := attributevalue.MarshalMap(toProcessedItem(rec))
	if err != nil {
		return xworld.ProcessedEventRecord{}, fmt.Errorf("dynamo: encode %q: %w", rec.IdempotencyKey, err)
	}
	if _, err := r.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      item,
	}); err != nil {
		return xworld.ProcessedEventRecord{}, fmt.Errorf("dynamo: put %q: %w", rec.IdempotencyKey, err)
	}
	return rec, nil
}
