// Package gemini adapts Google's Gemini API to the adapter contract.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"ARC-Router/internal/adapter"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

const (
	defaultName  = "gemini"
	defaultModel = "gemini-2.5-flash"
)

// Config describes a Gemini adapter.
type Config struct {
	Name    string
	APIKey  string
	Model   string
	BaseURL string
	Kinds   []task.Kind
}

// Client generates answers with Models.GenerateContent.
type Client struct {
	name   string
	client *genai.Client
	model  string
	kinds  map[task.Kind]struct{}
}

var _ adapter.Adapter = (*Client)(nil)

// NewClient creates a new Gemini adapter.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "GenAI API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "failed to create GenAI client")
	}

	c := &Client{
		name:   strings.TrimSpace(cfg.Name),
		client: client,
		model:  strings.TrimSpace(cfg.Model),
	}
	if c.name == "" {
		c.name = defaultName
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if len(cfg.Kinds) > 0 {
		c.kinds = make(map[task.Kind]struct{}, len(cfg.Kinds))
		for _, kind := range cfg.Kinds {
			c.kinds[kind] = struct{}{}
		}
	}
	return c, nil
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

// Call implements adapter.Adapter.
func (c *Client) Call(ctx context.Context, t *task.Task) (*task.Response, error) {
	result, err := c.client.Models.GenerateContent(ctx,
		c.model,
		genai.Text(adapter.Prompt(t)),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(adapter.ReplyInstruction, genai.RoleUser),
		},
	)
	if err != nil {
		return nil, xerrors.Wrap(task.CodeAdapterCallFailed, err, "GenAI generate failed")
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return nil, xerrors.New(task.CodeAdapterCallFailed, fmt.Sprintf("GenAI returned no text for model %s", c.model))
	}

	out := adapter.ParseReply(t.ID, c.name, text)
	out.Metadata["model"] = c.model
	if result.ResponseID != "" {
		out.Metadata["response_id"] = result.ResponseID
	}
	return out, nil
}
