package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	xerrors "MetaCortex/internal/errors"
)

const (
	CodeToolNotFound  xerrors.Code = "TOOL_NOT_FOUND"
	CodeToolDuplicate xerrors.Code = "TOOL_DUPLICATE"
)

var (
	// ErrToolNotFound 表示限定名未注册。
	ErrToolNotFound = xerrors.New(CodeToolNotFound, "tool not found")
	// ErrDuplicateTool 表示限定名已被其他工具占用。
	ErrDuplicateTool = xerrors.New(CodeToolDuplicate, "duplicate tool")
)

func init() {
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{
		Message:  "tool not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeToolDuplicate, xerrors.Attributes{
		Message:  "duplicate tool",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Descriptor 描述一个可调用的工具。
type Descriptor struct {
	Server      string          `json:"server"`
	Tool        string          `json:"tool"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"parameter_schema,omitempty"`
}

// QualifiedName 返回 server.tool 形式的限定名。
func (d Descriptor) QualifiedName() string {
	return QualifiedName(d.Server, d.Tool)
}

// QualifiedName 拼接服务器名与工具名。
func QualifiedName(server, tool string) string {
	return server + "." + tool
}

// Caller 由拥有该工具的连接实现。
type Caller interface {
	CallTool(ctx context.Context, tool string, args map[string]string) (string, error)
}

// Entry 是解析结果：描述信息加上所属连接。
type Entry struct {
	Descriptor Descriptor
	Caller     Caller
}

// Registry 维护限定名到工具的扁平映射，启动后只读。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
	servers []string
}

// New 创建空的 Registry。
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register 将一个服务器的全部工具加入注册表。
// 任一限定名冲突时整批拒绝，注册表保持不变。
func (r *Registry) Register(server string, caller Caller, descriptors []Descriptor) error {
	server = strings.TrimSpace(server)
	if server == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "服务器名称不能为空")
	}
	if caller == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("服务器 %s 缺少调用方", server))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make(map[string]struct{}, len(descriptors))
	for _, desc := range descriptors {
		if desc.Tool == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("服务器 %s 存在未命名的工具", server))
		}
		desc.Server = server
		name := desc.QualifiedName()
		if _, ok := r.entries[name]; ok {
			return xerrors.Wrap(CodeToolDuplicate, ErrDuplicateTool, fmt.Sprintf("工具 %s 已注册", name),
				xerrors.WithMetadata("tool", name))
		}
		if _, ok := batch[name]; ok {
			return xerrors.Wrap(CodeToolDuplicate, ErrDuplicateTool, fmt.Sprintf("工具 %s 在同一服务器中重复出现", name),
				xerrors.WithMetadata("tool", name))
		}
		batch[name] = struct{}{}
	}

	for _, desc := range descriptors {
		desc.Server = server
		name := desc.QualifiedName()
		r.entries[name] = Entry{Descriptor: desc, Caller: caller}
		r.order = append(r.order, name)
	}
	r.servers = append(r.servers, server)
	return nil
}

// Resolve 按限定名精确查找，大小写敏感。
func (r *Registry) Resolve(name string) (Entry, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, xerrors.Wrap(CodeToolNotFound, ErrToolNotFound, fmt.Sprintf("工具 %s 不存在", name),
			xerrors.WithMetadata("tool", name))
	}
	return entry, nil
}

// DescribeAll 按注册顺序返回全部工具描述。
func (r *Registry) DescribeAll() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].Descriptor)
	}
	return out
}

// Servers 返回已注册的服务器名称，按注册顺序。
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.servers...)
}

// Len 返回工具数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
