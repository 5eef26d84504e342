package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hupe1980/mvccdb/blobstore"
)

// PointerName is the blob name PointerStore serves from DynamoDB.
const PointerName = "CURRENT"

// ErrConcurrentModification is returned when another writer advanced the pointer first.
var ErrConcurrentModification = errors.New("s3: concurrent pointer update")

// DDBClient is the subset of the DynamoDB API the pointer store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// PointerStore stores the CURRENT blob as versioned DynamoDB items and delegates
// all other blobs to an underlying store.
//
// Table schema: partition key base_uri (S), sort key version (N).
//
//	aws dynamodb create-table \
//	  --table-name mvccdb-checkpoints \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type PointerStore struct {
	blobstore.Store
	ddb     DDBClient
	table   string
	baseURI string
}

// NewPointerStore wraps store. baseURI identifies the database, e.g. "s3://bucket/prefix".
func NewPointerStore(store blobstore.Store, ddb DDBClient, table, baseURI string) *PointerStore {
	return &PointerStore{Store: store, ddb: ddb, table: table, baseURI: baseURI}
}

// NewPointerStoreFromConfig creates an S3 store with a DynamoDB pointer using the
// default AWS credential chain.
func NewPointerStoreFromConfig(ctx context.Context, bucket, rootPrefix, table string, optFns ...func(*config.LoadOptions) error) (*PointerStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, err
	}
	store := NewStore(s3.NewFromConfig(cfg), bucket, rootPrefix)
	uri := "s3://" + bucket
	if store.prefix != "" {
		uri += "/" + store.prefix
	}
	return NewPointerStore(store, dynamodb.NewFromConfig(cfg), table, uri), nil
}

func (p *PointerStore) Put(ctx context.Context, name string, data []byte) error {
	if name != PointerName {
		return p.Store.Put(ctx, name, data)
	}
	version, _, err := p.latest(ctx)
	if err != nil {
		return err
	}
	_, err = p.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.table),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: p.baseURI},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(version+1, 10)},
			"target":   &types.AttributeValueMemberS{Value: string(data)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("s3: commit pointer: %w", err)
	}
	return nil
}

func (p *PointerStore) Get(ctx context.Context, name string) ([]byte, error) {
	if name != PointerName {
		return p.Store.Get(ctx, name)
	}
	version, target, err := p.latest(ctx)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, blobstore.ErrNotFound
	}
	return []byte(target), nil
}

func (p *PointerStore) latest(ctx context.Context) (uint64, string, error) {
	resp, err := p.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(p.table),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: p.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("s3: query pointer: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("s3: pointer item without version")
	}
	targetAttr, ok := item["target"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("s3: pointer item without target")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("s3: pointer version: %w", err)
	}
	return version, targetAttr.Value, nil
}
