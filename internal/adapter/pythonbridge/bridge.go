package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"ARC-Router/internal/adapter"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/task"
)

// Client 通过执行外部脚本处理任务：任务以 JSON 写入 stdin，脚本在 stdout 输出 JSON 结果。
//
// 脚本输出格式：{"success": bool, "output": any, "confidence": number, "error": string}。
// success 缺省视为 true。
type Client struct {
	name       string
	pythonExec string
	scriptPath string
	workingDir string
	kinds      map[task.Kind]struct{}
}

var _ adapter.Adapter = (*Client)(nil)

// NewClient 创建脚本适配器。
func NewClient(name, pythonExec, scriptPath, workingDir string, kinds ...task.Kind) (*Client, error) {
	if strings.TrimSpace(name) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定适配器名称")
	}
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	c := &Client{
		name:       name,
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}
	if len(kinds) > 0 {
		c.kinds = make(map[task.Kind]struct{}, len(kinds))
		for _, kind := range kinds {
			c.kinds[kind] = struct{}{}
		}
	}
	return c, nil
}

// Name 实现 adapter.Adapter。
func (c *Client) Name() string { return c.name }

// SupportsKind 实现 adapter.Adapter。
func (c *Client) SupportsKind(kind task.Kind) bool {
	if c.kinds == nil {
		return true
	}
	_, ok := c.kinds[kind]
	return ok
}

// Call 调用外部脚本，并解析输出。
func (c *Client) Call(ctx context.Context, t *task.Task) (*task.Response, error) {
	payload := map[string]any{
		"id":        t.ID,
		"kind":      t.Kind,
		"payload":   t.Payload,
		"prompt":    adapter.Prompt(t),
		"timestamp": time.Now().Unix(),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, xerrors.Wrap(task.CodeAdapterCallFailed, err,
			fmt.Sprintf("执行脚本失败, stderr=%s", strings.TrimSpace(stderr.String())))
	}

	var out struct {
		Success    *bool    `json:"success"`
		Output     any      `json:"output"`
		Confidence *float64 `json:"confidence"`
		Error      string   `json:"error"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, xerrors.Wrap(task.CodeAdapterCallFailed, err, "解析脚本输出失败")
	}

	if out.Success != nil && !*out.Success {
		message := out.Error
		if message == "" {
			message = "脚本返回失败"
		}
		return task.Failed(t.ID, c.name, task.CodeAdapterCallFailed, fmt.Errorf("%s", message)), nil
	}
	var confidence *float64
	if out.Confidence != nil {
		confidence = task.Confidence(*out.Confidence)
	}
	return task.Succeeded(t.ID, c.name, out.Output, confidence), nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
