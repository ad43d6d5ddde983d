package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 是同步连接的最小抽象。测试可以注入内存实现。
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer 建立一条到同步端点的连接。
type Dialer func(ctx context.Context, url string) (Conn, error)

// Config 是 Provider 的配置。
type Config struct {
	BackoffInitial    time.Duration // 首次重连等待
	BackoffMax        time.Duration // 重连等待上限
	HeartbeatInterval time.Duration // 在场心跳间隔
	Dialer            Dialer
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		BackoffInitial:    time.Second,
		BackoffMax:        30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		Dialer:            WebsocketDialer(),
	}
}

// Option 以函数方式修改配置。
type Option func(*Config)

// WithBackoff 设置重连退避的初值与上限。
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Config) {
		c.BackoffInitial = initial
		c.BackoffMax = max
	}
}

// WithHeartbeatInterval 设置在场心跳间隔。
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

// WithDialer 注入自定义拨号器，测试用内存连接即经此注入。
func WithDialer(d Dialer) Option {
	return func(c *Config) { c.Dialer = d }
}

// WebsocketDialer 返回基于 gorilla/websocket 的默认拨号器。
func WebsocketDialer() Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return &wsConn{c: c}, nil
	}
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
