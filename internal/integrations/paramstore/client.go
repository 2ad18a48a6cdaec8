package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

const (
	paramDatabaseURL   = "database_url"
	paramDataLakeToken = "datalake-token"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParameters(ctx context.Context, in *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// Getter is the interface that wraps GetParameter.
// The data-lake client depends on it for its bearer token.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameter returns the decrypted value of a single parameter.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}

// Secrets are the credentials the service reads from Parameter Store.
type Secrets struct {
	DatabaseURL   string
	DataLakeToken string
}

// Names returns the full parameter names under prefix.
func Names(prefix string) (databaseURL, dataLakeToken string) {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	return prefix + "/" + paramDatabaseURL, prefix + "/" + paramDataLakeToken
}

// LoadSecrets fetches every secret under prefix in one call. Missing
// parameters are left empty; callers decide which ones they require.
func (c *Client) LoadSecrets(ctx context.Context, prefix string) (Secrets, error) {
	if c.api == nil {
		return Secrets{}, errors.New("paramstore: client not initialized")
	}
	if strings.TrimSpace(prefix) == "" {
		return Secrets{}, errors.New("paramstore: prefix is required")
	}
	dbName, tokenName := Names(prefix)

	out, err := c.api.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          []string{dbName, tokenName},
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return Secrets{}, fmt.Errorf("paramstore: get parameters under %q: %w", prefix, err)
	}

	var s Secrets
	if out == nil {
		return s, nil
	}
	for _, p := range out.Parameters {
		switch aws.ToString(p.Name) {
		case dbName:
			s.DatabaseURL = aws.ToString(p.Value)
		case tokenName:
			s.DataLakeToken = aws.ToString(p.Value)
		}
	}
	return s, nil
}
