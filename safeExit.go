package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var SafeExitInst *SafeExit

// InitSafeExit 开始监听退出信号，返回收到信号时取消的上下文
func InitSafeExit() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	SafeExitInst = &SafeExit{cancel: cancel}
	go SafeExitInst.ListenSignal()
	return ctx
}

// SafeExit 收到信号后取消任务并执行已注册的清理函数，由任务自行收尾退出
type SafeExit struct {
	funcs  []func()
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *SafeExit) Register(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.funcs = append(s.funcs, f)
}

func (s *SafeExit) exit() {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.funcs {
		f()
	}
}

func (s *SafeExit) ListenSignal() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	stopping := false
	for sig := range sigs {
		if stopping {
			fmt.Fprintf(os.Stderr, "收到系统信号 %s, 强制退出\n", sig)
			os.Exit(130)
		}
		stopping = true
		fmt.Fprintf(os.Stderr, "收到系统信号 %s, 正在停止任务, 请稍后 (再次发送强制退出)\n", sig)
		s.exit()
	}
}
