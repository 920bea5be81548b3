package scriptbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"MetaCortex/internal/llm"
)

// Config 描述外部推理脚本。
type Config struct {
	Executable string
	Args       []string
	ScriptPath string
	WorkingDir string
}

// Client 通过调用外部脚本实现大模型推理。
type Client struct {
	executable string
	args       []string
	workingDir string
}

// NewClient 创建脚本桥客户端。
func NewClient(cfg Config) (*Client, error) {
	if cfg.ScriptPath == "" && len(cfg.Args) == 0 {
		return nil, fmt.Errorf("未指定推理脚本路径")
	}
	executable := cfg.Executable
	if executable == "" {
		executable = "python3"
	}
	args := append([]string(nil), cfg.Args...)
	if cfg.ScriptPath != "" {
		args = append(args, cfg.ScriptPath)
	}
	return &Client{
		executable: executable,
		args:       args,
		workingDir: cfg.WorkingDir,
	}, nil
}

// Generate 将对话以 JSON 写入脚本标准输入，并解析标准输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload := map[string]any{
		"messages":  req.Messages,
		"timestamp": time.Now().Unix(),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.executable, c.args...)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("执行推理脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	var resp struct {
		Content string `json:"content"`
		Model   string `json:"model"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("解析脚本输出失败: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("推理脚本返回错误: %s", resp.Error)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("推理脚本输出为空")
	}

	return &llm.Response{Content: strings.TrimSpace(resp.Content), Model: resp.Model}, nil
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
