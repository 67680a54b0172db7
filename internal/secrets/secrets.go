// Package secrets resolves credentials referenced from configuration. A reference names a
// secret in AWS Secrets Manager or an environment variable, optionally followed by
// "#field" to select one key of a JSON secret document.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	DriverAWS = "aws"
	DriverEnv = "env"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// New returns the provider for driver. An empty driver selects the environment.
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverEnv:
		return NewEnv(), nil
	case DriverAWS:
		p, err := NewAWS(ctx)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}
	if out.SecretString != nil {
		if v := strings.TrimSpace(*out.SecretString); v != "" {
			return v, nil
		}
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct {
	lookup func(string) (string, bool)
}

func NewEnv() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// NewEnvFromMap reads from environ instead of the process environment.
func NewEnvFromMap(environ map[string]string) *EnvProvider {
	return &EnvProvider{lookup: func(k string) (string, bool) {
		v, ok := environ[k]
		return v, ok
	}}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil || p.lookup == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v, _ := p.lookup(key)
	if v = strings.TrimSpace(v); v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Binding fills Target with the secret Ref points at. Bindings with an empty Ref are
// skipped so a value set directly in configuration stays in place.
type Binding struct {
	Name   string
	Ref    string
	Target *string
}

// Resolve fetches every bound secret. Each distinct secret id is fetched once even when
// several bindings select different fields of it.
func Resolve(ctx context.Context, p Provider, bindings ...Binding) error {
	if p == nil {
		return fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	fetched := make(map[string]string)
	for _, b := range bindings {
		ref := strings.TrimSpace(b.Ref)
		if ref == "" {
			continue
		}
		if b.Target == nil {
			return fmt.Errorf("%w: %s has no target", ErrInvalidConfig, b.Name)
		}
		id, field, _ := strings.Cut(ref, "#")
		raw, ok := fetched[id]
		if !ok {
			v, err := p.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("secrets: resolve %s: %w", b.Name, err)
			}
			raw = v
			fetched[id] = v
		}
		v, err := selectField(raw, field)
		if err != nil {
			return fmt.Errorf("secrets: resolve %s: %w", b.Name, err)
		}
		*b.Target = v
	}
	return nil
}

func selectField(raw, field string) (string, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return raw, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("%w: secret is not a json object", ErrInvalidConfig)
	}
	switch v := doc[field].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s, nil
		}
	case float64, bool:
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("%w: field %q", ErrNotFound, field)
}
