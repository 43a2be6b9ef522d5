// Package api provides the Anthropic-backed language model client used by
// the classifier, the summarizer and the built-in capabilities.
package api

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// DefaultMaxTokens bounds a single completion when the config leaves it unset.
const DefaultMaxTokens = 4096

// DefaultModel is used when the config names no model.
const DefaultModel = anthropic.ModelClaudeSonnet4_20250514

// bedrockPrefix marks a Bedrock cross-region inference profile.
const bedrockPrefix = "us.anthropic."

// ErrNoCredentials is returned when neither an API key nor Bedrock is configured.
var ErrNoCredentials = errors.New("no Anthropic API key and Bedrock is disabled")

// UsageFunc receives the token counts of one completed call.
type UsageFunc func(input, output int64)

// Client wraps the Anthropic SDK client and accounts for token usage.
type Client struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	onUsage   UsageFunc

	mu    sync.Mutex
	usage Usage
}

// Usage is the cumulative token usage of a Client.
type Usage struct {
	Calls        int
	InputTokens  int64
	OutputTokens int64
}

// ClientConfig contains configuration for creating a new Client.
type ClientConfig struct {
	// Model is the Claude model to use. Empty means DefaultModel.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// MaxTokens caps each completion. Zero means DefaultMaxTokens.
	MaxTokens int64
	// OnUsage is called after every call, e.g. to feed metrics.
	OnUsage UsageFunc
}

// NewClient creates a new Anthropic API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	opts, err := requestOptions(cfg)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	if cfg.UseAWSBedrock {
		model = bedrockModel(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return &Client{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		onUsage:   cfg.OnUsage,
	}, nil
}

func requestOptions(cfg ClientConfig) ([]option.RequestOption, error) {
	if cfg.UseAWSBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		return []option.RequestOption{bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...)}, nil
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, ErrNoCredentials
	}
	return []option.RequestOption{option.WithAPIKey(apiKey)}, nil
}

// bedrockModel maps a model id to its cross-region inference profile,
// e.g. claude-sonnet-4-20250514 -> us.anthropic.claude-sonnet-4-20250514-v1:0.
// Ids that already name a Bedrock model are returned unchanged.
func bedrockModel(model anthropic.Model) anthropic.Model {
	m := string(model)
	if strings.HasPrefix(m, bedrockPrefix) || strings.Contains(m, ":") {
		return model
	}
	return anthropic.Model(bedrockPrefix + m + "-v1:0")
}

func (c *Client) sdk() *anthropic.Client {
	return &c.inner
}

// Model returns the configured model name.
func (c *Client) Model() anthropic.Model {
	return c.model
}

// MaxTokens returns the per-completion token cap.
func (c *Client) MaxTokens() int64 {
	return c.maxTokens
}

// UsesBedrock reports whether the configured model is a Bedrock inference profile.
func (c *Client) UsesBedrock() bool {
	return strings.HasPrefix(string(c.model), bedrockPrefix)
}

// Usage returns the token usage recorded so far.
func (c *Client) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

func (c *Client) record(input, output int64) {
	c.mu.Lock()
	c.usage.Calls++
	c.usage.InputTokens += input
	c.usage.OutputTokens += output
	c.mu.Unlock()

	if c.onUsage != nil {
		c.onUsage(input, output)
	}
}
