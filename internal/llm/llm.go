package llm

import (
	"context"

	xerrors "MetaCortex/internal/errors"
)

// CodeProviderFailed 表示模型服务调用失败。
const CodeProviderFailed xerrors.Code = "MODEL_PROVIDER_FAILED"

// ErrProviderFailed 是模型调用失败的哨兵错误。
var ErrProviderFailed = xerrors.New(CodeProviderFailed, "model provider failed")

func init() {
	xerrors.Register(CodeProviderFailed, xerrors.Attributes{
		Message:  "model provider failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// 对话角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 是一条对话消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request 描述一次模型调用。
type Request struct {
	Messages []Message
}

// Response 是模型返回的文本。
type Response struct {
	Content string
	Model   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 让普通函数满足 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 调用函数本身。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
