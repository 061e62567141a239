// Package anthropic adapts the Anthropic Messages API (directly or through
// AWS Bedrock) to the adapter contract.
package anthropic

import (
	"context"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"ARC-Router/internal/adapter"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

const (
	defaultName      = "anthropic"
	defaultMaxTokens = 1024
)

// Config contains configuration for the Anthropic adapter.
type Config struct {
	Name string
	// Model is the Claude model to use. Defaults to Sonnet 4.
	Model string
	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey string
	// BaseURL overrides the API endpoint; used by tests and proxies.
	BaseURL   string
	MaxTokens int64
	Kinds     []task.Kind

	UseAWSBedrock bool
	AWSRegion     string
	AWSProfile    string
}

// Client calls Claude through the official SDK.
type Client struct {
	name      string
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	kinds     map[task.Kind]struct{}
}

var _ adapter.Adapter = (*Client)(nil)

// NewClient creates a new Anthropic adapter.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	// Retries belong to the dispatch engine.
	opts := []option.RequestOption{option.WithMaxRetries(0)}

	if cfg.UseAWSBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 Anthropic API Key")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}

	model := anthropic.Model(strings.TrimSpace(cfg.Model))
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = bedrockModel(model)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = defaultName
	}

	c := &Client{
		name:      name,
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
	if len(cfg.Kinds) > 0 {
		c.kinds = make(map[task.Kind]struct{}, len(cfg.Kinds))
		for _, kind := range cfg.Kinds {
			c.kinds[kind] = struct{}{}
		}
	}
	return c, nil
}

// bedrockModel maps Anthropic model names to Bedrock cross-region inference profiles.
func bedrockModel(model anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if profile, ok := profiles[model]; ok {
		return anthropic.Model(profile)
	}
	return model
}

// Name implements adapter.Adapter.
func (c *Client) Name() string { return c.name }

// SupportsKind implements adapter.Adapter.
func (c *Client) SupportsKind(kind task.Kind) bool {
	if c.kinds == nil {
		return true
	}
	_, ok := c.kinds[kind]
	return ok
}

// Call sends the task prompt as a single user message.
func (c *Client) Call(ctx context.Context, t *task.Task) (*task.Response, error) {
	resp, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: adapter.ReplyInstruction},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(adapter.Prompt(t))),
		},
	})
	if err != nil {
		return nil, xerrors.Wrap(task.CodeAdapterCallFailed, err, "调用 Anthropic 失败")
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, xerrors.New(task.CodeAdapterCallFailed, "Anthropic 响应内容为空")
	}

	out := adapter.ParseReply(t.ID, c.name, text.String())
	out.Metadata["model"] = string(c.model)
	out.Metadata["response_id"] = resp.ID
	out.Metadata["input_tokens"] = resp.Usage.InputTokens
	out.Metadata["output_tokens"] = resp.Usage.OutputTokens
	return out, nil
}
