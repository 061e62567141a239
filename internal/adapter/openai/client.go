package openai

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ARC-Router/internal/adapter"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

const (
	defaultName    = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second

	// 错误响应只保留前 2KB 作为错误信息。
	errorBodyLimit = 2048
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	Name      string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	Timeout   time.Duration
	Kinds     []task.Kind
}

// Client 通过 HTTP 调用 OpenAI 兼容的 Chat Completions 接口。
type Client struct {
	name       string
	apiKey     string
	endpoint   string
	model      string
	maxTokens  int64
	kinds      map[task.Kind]struct{}
	httpClient *http.Client
}

var _ adapter.Adapter = (*Client)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int64         `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewClient 根据配置创建 OpenAI 适配器。BaseURL 可以指向任何兼容的服务。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}
	baseURL := strings.TrimRight(cmp.Or(strings.TrimSpace(cfg.BaseURL), defaultBaseURL), "/")

	c := &Client{
		name:       cmp.Or(strings.TrimSpace(cfg.Name), defaultName),
		apiKey:     apiKey,
		endpoint:   baseURL + "/chat/completions",
		model:      cmp.Or(strings.TrimSpace(cfg.Model), defaultModel),
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: cmp.Or(max(cfg.Timeout, 0), defaultTimeout)},
	}
	if len(cfg.Kinds) > 0 {
		c.kinds = make(map[task.Kind]struct{}, len(cfg.Kinds))
		for _, kind := range cfg.Kinds {
			c.kinds[kind] = struct{}{}
		}
	}
	return c, nil
}

// Name 实现 adapter.Adapter。
func (c *Client) Name() string { return c.name }

// SupportsKind 实现 adapter.Adapter。未配置类型时支持全部类型。
func (c *Client) SupportsKind(kind task.Kind) bool {
	if c.kinds == nil {
		return true
	}
	_, ok := c.kinds[kind]
	return ok
}

// Call 调用 Chat Completions 并把回复解析为响应。
// 429 与 5xx 标记为可重试，其余 4xx 不可重试。
func (c *Client) Call(ctx context.Context, t *task.Task) (*task.Response, error) {
	reply, err := c.complete(ctx, chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: adapter.ReplyInstruction},
			{Role: "user", Content: adapter.Prompt(t)},
		},
		Temperature: 0.2,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	if len(reply.Choices) == 0 {
		return nil, xerrors.New(task.CodeAdapterCallFailed, "OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(reply.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(task.CodeAdapterCallFailed, "OpenAI 响应内容为空")
	}

	out := adapter.ParseReply(t.ID, c.name, content)
	out.Metadata["model"] = c.model
	if reply.ID != "" {
		out.Metadata["response_id"] = reply.ID
	}
	if reason := reply.Choices[0].FinishReason; reason != "" {
		out.Metadata["finish_reason"] = reason
	}
	if reply.Usage.PromptTokens > 0 || reply.Usage.CompletionTokens > 0 {
		out.Metadata["prompt_tokens"] = reply.Usage.PromptTokens
		out.Metadata["completion_tokens"] = reply.Usage.CompletionTokens
	}
	return out, nil
}

func (c *Client) complete(ctx context.Context, body chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 OpenAI 请求失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建 OpenAI 请求失败")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(task.CodeAdapterCallFailed, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp)
	}
	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(task.CodeAdapterCallFailed, err, "解析 OpenAI 响应失败")
	}
	return &decoded, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
	return xerrors.New(task.CodeAdapterCallFailed,
		fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		xerrors.WithRetryable(retryable),
		xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
}
