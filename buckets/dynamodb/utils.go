package dynamodb

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func gobEncode(v any) ([]byte, error) {
	var buff bytes.Buffer
	if err := gob.NewEncoder(&buff).Encode(v); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewBuffer(b)).Decode(v)
}

func createTable(ctx context.Context, client *dynamodb.Client, table string) error { //nolint
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("bucket"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("url"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("bucket"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("url"),
				KeyType:       types.KeyTypeRange,
			},
		},
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(5),
			WriteCapacityUnits: aws.Int64(5),
		},
	})
	return err
}
