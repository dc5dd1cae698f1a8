package publish

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// A receipt records that a posting was published, independently of the record
// store, so a run that crashed between publishing and recording can reconcile
// instead of uploading a second copy.

type receiptItem struct {
	PostingID   int64  `dynamodbav:"posting_id"`
	VideoID     string `dynamodbav:"video_id"`
	EmbedURL    string `dynamodbav:"embed_url"`
	PublishedAt string `dynamodbav:"published_at"`
}

// DynamoReceipts keeps receipts in a DynamoDB table keyed by posting_id (N).
type DynamoReceipts struct {
	svc   dynamodbiface.DynamoDBAPI
	table string
	now   func() time.Time
}

// NewDynamoReceipts creates a receipt ledger backed by table.
func NewDynamoReceipts(svc dynamodbiface.DynamoDBAPI, table string) *DynamoReceipts {
	return &DynamoReceipts{svc: svc, table: table, now: time.Now}
}

// Record stores the receipt for postingID, replacing any earlier one.
func (r *DynamoReceipts) Record(ctx context.Context, postingID int64, pub Published) error {
	av, err := dynamodbattribute.MarshalMap(receiptItem{
		PostingID:   postingID,
		VideoID:     pub.VideoID,
		EmbedURL:    pub.EmbedURL,
		PublishedAt: r.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	_, err = r.svc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("put receipt for posting %d: %w", postingID, err)
	}
	return nil
}

// Lookup returns the receipt for postingID, or nil when none exists.
func (r *DynamoReceipts) Lookup(ctx context.Context, postingID int64) (*Published, error) {
	out, err := r.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            map[string]*dynamodb.AttributeValue{"posting_id": {N: aws.String(strconv.FormatInt(postingID, 10))}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get receipt for posting %d: %w", postingID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item receiptItem
	if err := dynamodbattribute.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal receipt: %w", err)
	}
	return &Published{VideoID: item.VideoID, EmbedURL: item.EmbedURL}, nil
}

// Ping checks the table exists and is readable.
func (r *DynamoReceipts) Ping(ctx context.Context) error {
	_, err := r.svc.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.table)})
	return err
}

// MemoryReceipts is a process-local ledger.
type MemoryReceipts struct {
	mu   sync.Mutex
	byID map[int64]Published
}

// NewMemoryReceipts creates an empty in-process ledger.
func NewMemoryReceipts() *MemoryReceipts {
	return &MemoryReceipts{byID: make(map[int64]Published)}
}

func (m *MemoryReceipts) Record(_ context.Context, postingID int64, pub Published) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[postingID] = pub
	return nil
}

func (m *MemoryReceipts) Lookup(_ context.Context, postingID int64) (*Published, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, ok := m.byID[postingID]
	if !ok {
		return nil, nil
	}
	return &pub, nil
}

func (m *MemoryReceipts) Ping(context.Context) error { return nil }
