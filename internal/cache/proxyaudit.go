package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/user/inspect-gateway/internal/proxypool"
)

// proxyAuditRecord mirrors one Group's counters. This is a read-only,
// advisory snapshot: the pool's in-memory Group remains authoritative
// (spec.md §5, §9); nothing ever reads this back to reconstruct state.
type proxyAuditRecord struct {
	GroupID          int       `dynamodbav:"group_id"`
	RecordedAt       string    `dynamodbav:"recorded_at"`
	ActiveRequests   int       `dynamodbav:"active_requests"`
	TotalRequests    int64     `dynamodbav:"total_requests"`
	Failures         int64     `dynamodbav:"failures"`
	LoginFailures    int64     `dynamodbav:"login_failures"`
	SuccessfulLogins int64     `dynamodbav:"successful_logins"`
	SuccessRate      float64   `dynamodbav:"success_rate"`
}

// ProxyAuditStore persists a point-in-time mirror of proxy-group health for
// offline analytics. It is never consulted by the live pool.
type ProxyAuditStore interface {
	RecordSnapshot(ctx context.Context, groups []*proxypool.Group) error
}

// DynamoDBProxyAuditStore is the production ProxyAuditStore.
type DynamoDBProxyAuditStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDBProxyAuditStore(ctx context.Context, region, tableName string) (*DynamoDBProxyAuditStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &DynamoDBProxyAuditStore{client: dynamodb.NewFromConfig(cfg), tableName: tableName}, nil
}

func (s *DynamoDBProxyAuditStore) RecordSnapshot(ctx context.Context, groups []*proxypool.Group) error {
	now := time.Now().Format(time.RFC3339)
	for _, g := range groups {
		rec := proxyAuditRecord{
			GroupID:          g.ID,
			RecordedAt:       now,
			ActiveRequests:   g.ActiveRequests,
			TotalRequests:    g.TotalRequests,
			Failures:         g.Failures,
			LoginFailures:    g.LoginFailures,
			SuccessfulLogins: g.SuccessfulLogins,
			SuccessRate:      g.SuccessRate(),
		}
		item, err := attributevalue.MarshalMap(rec)
		if err != nil {
			return fmt.Errorf("cache: marshal proxy audit record: %w", err)
		}
		if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: item}); err != nil {
			return fmt.Errorf("cache: put proxy audit record: %w", err)
		}
	}
	return nil
}

// MockProxyAuditStore is an in-memory ProxyAuditStore for tests.
type MockProxyAuditStore struct {
	Snapshots [][]*proxypool.Group
}

func (m *MockProxyAuditStore) RecordSnapshot(ctx context.Context, groups []*proxypool.Group) error {
	m.Snapshots = append(m.Snapshots, groups)
	return nil
}
