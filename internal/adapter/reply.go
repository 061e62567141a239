package adapter

import (
	"encoding/json"
	"strings"

	"ARC-Router/internal/task"
)

// Prompt 返回发送给后端的纯文本提示：主内容字段，缺失时为 payload 的 JSON。
func Prompt(t *task.Task) string {
	if t == nil {
		return ""
	}
	if content, ok := t.PrimaryContent(); ok {
		return strings.TrimSpace(content)
	}
	return task.Stringify(t.Payload)
}

// ReplyInstruction 要求模型按结构化格式回答，ParseReply 负责解析。
const ReplyInstruction = "Answer the task. Respond with a compact JSON object: " +
	`{"answer": <answer>, "confidence": <number between 0 and 1>}.`

// ParseReply 将模型文本转换为成功响应。
// 文本若为 {"answer": ..., "confidence": ...} 结构（允许 markdown 代码块包裹），
// 输出取 answer，置信度取 confidence；否则原文即输出，置信度缺失。
func ParseReply(taskID, adapterName, text string) *task.Response {
	content := strings.TrimSpace(text)
	body := stripFence(content)

	var structured struct {
		Answer     json.RawMessage `json:"answer"`
		Confidence *float64        `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(body), &structured); err == nil && len(structured.Answer) > 0 {
		var answer any
		if err := json.Unmarshal(structured.Answer, &answer); err == nil && answer != nil {
			var confidence *float64
			if structured.Confidence != nil {
				confidence = task.Confidence(*structured.Confidence)
			}
			return task.Succeeded(taskID, adapterName, answer, confidence)
		}
	}
	return task.Succeeded(taskID, adapterName, content, nil)
}

func stripFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		content = content[idx+1:]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
