package dynamo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/trickstertwo/xworld"
)

// deadLetterItem keeps the redacted envelope and error as JSON strings so
// arbitrary shapes survive without attribute-type coercion.
type deadLetterItem struct {
	PartitionKey     string `dynamodbav:"partitionKey"`
	SortKey          string `dynamodbav:"sortKey"`
	ID               string `dynamodbav:"id"`
	OriginalEventID  string `dynamodbav:"originalEventId,omitempty"`
	EventType        string `dynamodbav:"eventType,omitempty"`
	ActorKind        string `dynamodbav:"actorKind,omitempty"`
	OccurredUTC      string `dynamodbav:"occurredUtc,omitempty"`
	CorrelationID    string `dynamodbav:"correlationId,omitempty"`
	RedactedEnvelope string `dynamodbav:"redactedEnvelope"`
	Error            string `dynamodbav:"error"`
	Category         string `dynamodbav:"category"`
	DeadLetteredUTC  string `dynamodbav:"deadLetteredUtc"`
	Redacted         bool   `dynamodbav:"redacted"`
}

// sortKey orders records by dead-letter time, then id.
func sortKey(rec xworld.DeadLetterRecord) string {
	return rec.DeadLetteredUTC.UTC().Format("2006-01-02T15:04:05.000000000Z") + "#" + rec.ID
}

func toDeadLetterItem(rec xworld.DeadLetterRecord) (deadLetterItem, error) {
	env, err := json.Marshal(rec.RedactedEnvelope)
	if err != nil {
		return deadLetterItem{}, fmt.Errorf("redactedEnvelope: %w", err)
	}
	details, err := json.Marshal(rec.Error)
	if err != nil {
		return deadLetterItem{}, fmt.Errorf("error: %w", err)
	}
	pk := rec.PartitionKey
	if pk == "" {
		pk = xworld.DeadLetterPartitionKey
	}
	return deadLetterItem{
		PartitionKey:     pk,
		SortKey:          sortKey(rec),
		ID:               rec.ID,
		OriginalEventID:  rec.OriginalEventID,
		EventType:        rec.EventType,
		ActorKind:        rec.ActorKind,
		OccurredUTC:      rec.OccurredUTC,
		CorrelationID:    rec.CorrelationID,
		RedactedEnvelope: string(env),
		Error:            string(details),
		Category:         string(rec.Error.Category),
		DeadLetteredUTC:  rec.DeadLetteredUTC.UTC().Format(time.RFC3339Nano),
		Redacted:         rec.Redacted,
	}, nil
}

func (it deadLetterItem) record() (xworld.DeadLetterRecord, error) {
	rec := xworld.DeadLetterRecord{
		ID:              it.ID,
		OriginalEventID: it.OriginalEventID,
		EventType:       it.EventType,
		ActorKind:       it.ActorKind,
		OccurredUTC:     it.OccurredUTC,
		CorrelationID:   it.CorrelationID,
		Redacted:        it.Redacted,
		PartitionKey:    it.PartitionKey,
	}
	dec := json.NewDecoder(strings.NewReader(it.RedactedEnvelope))
	dec.UseNumber()
	if err := dec.Decode(&rec.RedactedEnvelope); err != nil {
		return rec, fmt.Errorf("redactedEnvelope: %w", err)
	}
	if err := json.Unmarshal([]byte(it.Error), &rec.Error); err != nil {
		return rec, fmt.Errorf("error: %w", err)
	}
	var err error
	if rec.DeadLetteredUTC, err = time.Parse(time.RFC3339Nano, it.DeadLetteredUTC); err != nil {
		return rec, fmt.Errorf("deadLetteredUtc: %w", err)
	}
	return rec, nil
}

// DeadLetterStore appends quarantined records to a DynamoDB table.
type DeadLetterStore struct {
	db    API
	table string
}

var _ xworld.DeadLetterStore = (*DeadLetterStore)(nil)

func NewDeadLetterStore(db API, table string) (*DeadLetterStore, error) {
	if table == "" {
		return nil, ErrNoTable
	}
	return &DeadLetterStore{db: db, table: table}, nil
}

// Store writes rec only if no record with the same key exists.
func (s *DeadLetterStore) Store(ctx context.Context, rec xworld.DeadLetterRecord) error {
	it, err := toDeadLetterItem(rec)
	if err != nil {
		return fmt.Errorf("dynamo: encode dead letter %s: %w", rec.ID, err)
	}
	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("dynamo: encode dead letter %s: %w", rec.ID, err)
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sortKey)"),
	})
	if err != nil {
		return fmt.Errorf("dynamo: put dead letter %s: %w", rec.ID, err)
	}
	return nil
}

// List returns up to limit records, newest first. limit <= 0 reads one page.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]xworld.DeadLetterRecord, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": "partitionKey",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: xworld.DeadLetterPartitionKey},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	out, err := s.db.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("dynamo: query dead letters: %w", err)
	}
	var items []deadLetterItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, fmt.Errorf("dynamo: decode dead letters: %w", err)
	}
	recs := make([]xworld.DeadLetterRecord, 0, len(items))
	for _, it := range items {
		rec, err := it.record()
		if err != nil {
			return nil, fmt.Errorf("dynamo: decode dead letter %s: %w", it.ID, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
