package main

import (
	"time"

	"github.com/alecthomas/kong"
)

// CLI 定义命令行结构。
type CLI struct {
	Config string `short:"c" env:"METACORTEX_CONFIG" default:"configs/metacortex.yaml" help:"配置文件路径（.yaml/.json/.toml）"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"启动 API 服务与任务处理器"`
	Ask     AskCmd     `cmd:"" help:"在本进程内运行一次智能体并打印答案"`
	Submit  SubmitCmd  `cmd:"" help:"向运行中的服务提交任务"`
	Tools   ToolsCmd   `cmd:"" help:"连接工具服务器并列出可用工具"`
	Version VersionCmd `cmd:"" help:"显示版本信息"`
}

// ServeCmd 启动完整的服务。
type ServeCmd struct {
	Address string `help:"覆盖配置中的监听地址"`
}

// AskCmd 直接运行智能体，不经过任务队列。
type AskCmd struct {
	Query []string `arg:"" help:"问题内容"`
}

// SubmitCmd 通过 HTTP API 提交任务。
type SubmitCmd struct {
	Query   []string      `arg:"" help:"问题内容"`
	URL     string        `default:"http://localhost:8080" env:"METACORTEX_URL" help:"服务地址"`
	APIKey  string        `name:"api-key" env:"METACORTEX_API_KEY" help:"服务启用鉴权时使用的 API Key"`
	Wait    bool          `short:"w" help:"等待任务结束并打印结果"`
	Timeout time.Duration `default:"10m" help:"等待的最长时间"`
}

// ToolsCmd 列出工具目录。
type ToolsCmd struct {
	JSON bool `help:"以 JSON 输出"`
}

// VersionCmd 显示版本信息。
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
