package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	xerrors "Nebula-Host/internal/errors"
	"Nebula-Host/internal/plugin/runner"
)

// main 是插件 worker 进程的入口，由宿主按启动契约拉起。
func main() {
	var opts runner.Options
	flag.StringVar(&opts.PluginName, "plugin-name", "", "插件名称")
	flag.StringVar(&opts.PluginDir, "plugin-dir", "", "插件目录")
	flag.StringVar(&opts.SocketPath, "socket", "", "unix socket 路径")
	flag.StringVar(&opts.Token, "token", "", "本次启动的调用令牌")
	flag.IntVar(&opts.MemoryMB, "memory-mb", 128, "内存上限（MB）")
	flag.IntVar(&opts.CPUSeconds, "cpu-seconds", 30, "CPU 时间上限（秒）")
	flag.StringVar(&opts.LogDir, "log-dir", "/tmp/nebula/plugin-logs", "插件日志目录")
	flag.BoolVar(&opts.AllowRoot, "allow-root", false, "允许以 root 运行（仅用于容器等受控环境）")
	flag.Parse()

	if opts.PluginName == "" || opts.PluginDir == "" || opts.SocketPath == "" || opts.Token == "" {
		fmt.Fprintln(os.Stderr, "missing required flags: --plugin-name --plugin-dir --socket --token")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.Run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "plugin worker failed: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode 将失败原因映射为稳定的退出码，便于宿主侧诊断。
func exitCode(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return 2
	case xerrors.CodePermissionDenied:
		return 3
	case xerrors.CodeManifestInvalid, xerrors.CodeNotFound, xerrors.CodeStorageFailure:
		return 4
	case xerrors.CodeConfigurationFailure:
		return 5
	default:
		return 1
	}
}
