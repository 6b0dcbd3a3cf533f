// Package cache implements C6, the Cache Facade: a permanent (TTL-free)
// record store keyed by asset id, backed by DynamoDB the way the teacher's
// internal/store backs its tenant/model/usage tables.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/user/inspect-gateway/internal/upstream"
)

// Record is the persisted shape of one cached inspection: the normalized
// item plus a cached rank/game-data annotation the dispatcher attaches
// before writing the slot.
type Record struct {
	AssetID  string                 `dynamodbav:"asset_id"`
	Item     upstream.NormalizedItem `dynamodbav:"item"`
	Rank     int                    `dynamodbav:"rank,omitempty"`
	GameData map[string]any         `dynamodbav:"game_data,omitempty"`
}

// CacheStore is C6's contract. Gets/Puts are keyed by asset id alone: one
// inspect triple's reply is a permanent record once obtained, per spec.md
// §8 "Idempotent cache".
type CacheStore interface {
	Get(ctx context.Context, assetID string) (*Record, error)
	Put(ctx context.Context, record *Record) error
}

// DynamoDBCacheStore is the production CacheStore.
type DynamoDBCacheStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoDBCacheStore dials DynamoDB the same way
// store.NewDynamoDBTenantStore does.
func NewDynamoDBCacheStore(ctx context.Context, region, tableName string) (*DynamoDBCacheStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &DynamoDBCacheStore{client: dynamodb.NewFromConfig(cfg), tableName: tableName}, nil
}

func (s *DynamoDBCacheStore) Get(ctx context.Context, assetID string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"asset_id": &types.AttributeValueMemberS{Value: assetID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cache: get item: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("cache: unmarshal record: %w", err)
	}
	return &rec, nil
}

func (s *DynamoDBCacheStore) Put(ctx context.Context, record *Record) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("cache: marshal record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("cache: put item: %w", err)
	}
	return nil
}

// MockCacheStore is an in-memory CacheStore for tests, mirroring
// store.MockTenantStore's shape.
type MockCacheStore struct {
	mu      sync.RWMutex
	Records map[string]*Record
}

func NewMockCacheStore() *MockCacheStore {
	return &MockCacheStore{Records: make(map[string]*Record)}
}

func (m *MockCacheStore) Get(ctx context.Context, assetID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.Records[assetID]; ok {
		return r, nil
	}
	return nil, nil
}

func (m *MockCacheStore) Put(ctx context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records[record.AssetID] = record
	return nil
}
