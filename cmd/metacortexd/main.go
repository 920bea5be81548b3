package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

var version = "dev"

// main 是 MetaCortex 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("metacortexd"),
		kong.Description("基于 MCP 工具服务器的 ReAct 智能体服务"),
		kong.UsageOnError(),
		kongVars(),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Bind(&cli),
	)
	if err := kctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "metacortexd 运行失败: %v\n", err)
		os.Exit(1)
	}
}
