package cache

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/user/inspect-gateway/internal/upstream"
)

// accountRecord is the DynamoDB shape of an Account, marshaled with the
// same attributevalue tags the teacher uses for its store types.
type accountRecord struct {
	Username   string `dynamodbav:"username"`
	Password   string `dynamodbav:"password"`
	AuthSecret string `dynamodbav:"auth_secret"`
}

// AccountStore loads the configured bot roster and accepts runtime
// additions from the admin API (SPEC_FULL.md "Supplemented features" #1).
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]upstream.Account, error)
	AddAccount(ctx context.Context, account upstream.Account) error
}

// DynamoDBAccountStore is the production AccountStore.
type DynamoDBAccountStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDBAccountStore(ctx context.Context, region, tableName string) (*DynamoDBAccountStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &DynamoDBAccountStore{client: dynamodb.NewFromConfig(cfg), tableName: tableName}, nil
}

func (s *DynamoDBAccountStore) ListAccounts(ctx context.Context) ([]upstream.Account, error) {
	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{TableName: aws.String(s.tableName)})
	if err != nil {
		return nil, fmt.Errorf("cache: scan accounts: %w", err)
	}
	accounts := make([]upstream.Account, 0, len(out.Items))
	for _, item := range out.Items {
		var rec accountRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("cache: unmarshal account: %w", err)
		}
		accounts = append(accounts, upstream.Account{
			Username:   rec.Username,
			Password:   rec.Password,
			AuthSecret: rec.AuthSecret,
		})
	}
	return accounts, nil
}

func (s *DynamoDBAccountStore) AddAccount(ctx context.Context, account upstream.Account) error {
	item, err := attributevalue.MarshalMap(accountRecord{
		Username:   account.Username,
		Password:   account.Password,
		AuthSecret: account.AuthSecret,
	})
	if err != nil {
		return fmt.Errorf("cache: marshal account: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: item})
	if err != nil {
		return fmt.Errorf("cache: put account: %w", err)
	}
	return nil
}

// MockAccountStore is an in-memory AccountStore for tests and for running
// without AWS credentials configured.
type MockAccountStore struct {
	Accounts []upstream.Account
}

func (m *MockAccountStore) ListAccounts(ctx context.Context) ([]upstream.Account, error) {
	return append([]upstream.Account{}, m.Accounts...), nil
}

func (m *MockAccountStore) AddAccount(ctx context.Context, account upstream.Account) error {
	m.Accounts = append(m.Accounts, account)
	return nil
}
