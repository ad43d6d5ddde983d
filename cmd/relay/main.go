// 同步中继服务器：为协作文档提供 websocket 同步端点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ti777777/notepia-sub002/pkg/relay"
	"github.com/ti777777/notepia-sub002/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", ":9010", "监听地址")
	dataDir := flag.String("data", "", "可选：badger 数据目录，留空则不持久化")
	debounce := flag.Duration("debounce", 500*time.Millisecond, "服务端持久化去抖窗口")
	flag.Parse()

	var opts []relay.Option
	if *dataDir != "" {
		st, err := store.NewBadgerStore(*dataDir)
		if err != nil {
			return fmt.Errorf("打开数据目录: %w", err)
		}
		defer st.Close()
		opts = append(opts, relay.WithStore(st), relay.WithSaveDebounce(*debounce))
	}

	r := relay.New(opts...)
	srv := &http.Server{Addr: *addr, Handler: r.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("中继已启动, 监听 %s", *addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		log.Printf("收到 %v, 关闭中", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	return r.Close()
}
