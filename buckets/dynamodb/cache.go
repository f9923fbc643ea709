package dynamodb

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	workercache "github.com/cmorrow/go-worker-cache"
	"github.com/cmorrow/go-worker-cache/buckets"
)

// metaKey is the range-key value of the marker item written when a
// bucket is opened. It keeps empty buckets enumerable and can never
// collide with a request key, which always carries a method prefix.
const metaKey = "#bucket"

const deleteBatchSize = 25 // BatchWriteItem limit

// Config defines the configuration options for the DynamoDB bucket
// store.
type Config struct {
	Table string
}

// Store implements the workercache.Store interface using Amazon
// DynamoDB as the storage backend. Items are keyed by bucket name
// (hash) and request key (range) so buckets can be enumerated and
// deleted for version cutover.
type Store struct {
	client *dynamodb.Client

	table string
	now   func() time.Time
}

type bucket struct {
	store *Store
	name  string
}

type item struct {
	Bucket   string `json:"bucket" dynamodbav:"bucket"`
	URL      string `json:"url" dynamodbav:"url"`
	Record   []byte `json:"record" dynamodbav:"record"`
	StoredAt int64  `json:"stored_at" dynamodbav:"stored_at"`
}

// Open registers the named bucket with a marker item and returns a
// handle on it. Opening an existing bucket is idempotent.
func (s *Store) Open(ctx context.Context, name string) (workercache.Bucket, error) {
	av, err := attributevalue.MarshalMap(item{
		Bucket:   name,
		URL:      metaKey,
		StoredAt: s.now().UTC().Unix(),
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return nil, err
	}

	return &bucket{store: s, name: name}, nil
}

// Names lists every bucket by scanning for marker items.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	var names []string
	var startKey map[string]types.AttributeValue

	for {
		output, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.table),
			FilterExpression: aws.String("#u = :meta"),
			ExpressionAttributeNames: map[string]string{
				"#u": "url",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":meta": &types.AttributeValueMemberS{Value: metaKey},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, err
		}

		for _, raw := range output.Items {
			var i item
			if err := attributevalue.UnmarshalMap(raw, &i); err != nil {
				return nil, err
			}
			names = append(names, i.Bucket)
		}

		if output.LastEvaluatedKey == nil {
			return names, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

// Delete removes the named bucket, its marker item included.
func (s *Store) Delete(ctx context.Context, name string) error {
	keys, err := s.query(ctx, name, true)
	if err != nil {
		return err
	}

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))

		requests := make([]types.WriteRequest, 0, end-start)
		for _, url := range keys[start:end] {
			bucketAttr, err := attributevalue.Marshal(name)
			if err != nil {
				return err
			}
			urlAttr, err := attributevalue.Marshal(url)
			if err != nil {
				return err
			}
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						"bucket": bucketAttr,
						"url":    urlAttr,
					},
				},
			})
		}

		if _, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{
				s.table: requests,
			},
		}); err != nil {
			return err
		}
	}

	return nil
}

// query lists the request keys stored under a bucket, optionally
// including the marker item.
func (s *Store) query(ctx context.Context, name string, includeMeta bool) ([]string, error) {
	var keys []string
	var startKey map[string]types.AttributeValue

	for {
		output, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("#b = :bucket"),
			ExpressionAttributeNames: map[string]string{
				"#b": "bucket",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":bucket": &types.AttributeValueMemberS{Value: name},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, err
		}

		for _, raw := range output.Items {
			var i item
			if err := attributevalue.UnmarshalMap(raw, &i); err != nil {
				return nil, err
			}
			if i.URL == metaKey && !includeMeta {
				continue
			}
			keys = append(keys, i.URL)
		}

		if output.LastEvaluatedKey == nil {
			return keys, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

// Get retrieves a record from DynamoDB by its key. It returns
// buckets.ErrNoRecord when the key has never been stored.
func (b *bucket) Get(ctx context.Context, key string) (*workercache.Record, error) {
	bucketAttr, err := attributevalue.Marshal(b.name)
	if err != nil {
		return nil, err
	}
	urlAttr, err := attributevalue.Marshal(key)
	if err != nil {
		return nil, err
	}

	output, err := b.store.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key: map[string]types.AttributeValue{
			"bucket": bucketAttr,
			"url":    urlAttr,
		},
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(b.store.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, buckets.ErrNoRecord
	}

	var i item
	if err := attributevalue.UnmarshalMap(output.Item, &i); err != nil {
		return nil, err
	}

	var rec workercache.Record
	if err := gobDecode(i.Record, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put stores a record in DynamoDB under the given key. It handles the
// serialization of the record and sets the storage timestamp.
func (b *bucket) Put(ctx context.Context, key string, rec *workercache.Record) error {
	enc, err := gobEncode(rec)
	if err != nil {
		return err
	}

	av, err := attributevalue.MarshalMap(item{
		Bucket:   b.name,
		URL:      key,
		Record:   enc,
		StoredAt: b.store.now().UTC().Unix(),
	})
	if err != nil {
		return err
	}

	_, err = b.store.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.store.table),
		Item:      av,
	})
	return err
}

// Keys lists every request key stored in the bucket.
func (b *bucket) Keys(ctx context.Context) ([]string, error) {
	return b.store.query(ctx, b.name, false)
}

// ErrValidation wraps the construction failures New can report.
var ErrValidation = errors.New("invalid bucket store configuration")

// New creates a new DynamoDB bucket store with the provided
// configuration. Returns an error if the client is nil or the table
// name is empty.
func New(_ context.Context, client *dynamodb.Client, config *Config) (*Store, error) {
	if client == nil {
		return nil, errors.Join(ErrValidation, buckets.ValidationError{Reason: "nil client"})
	}
	if config == nil || config.Table == "" {
		return nil, errors.Join(ErrValidation, buckets.ValidationError{Reason: "empty table name"})
	}

	return &Store{
		client: client,

		table: config.Table,
		now:   time.Now,
	}, nil
}
