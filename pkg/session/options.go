package session

import (
	"time"

	"github.com/ti777777/notepia-sub002/pkg/store"
	"github.com/ti777777/notepia-sub002/pkg/transport"
)

// Config 是会话配置。零值表示纯内存、不联网的本地会话。
type Config struct {
	Store          store.Store   // 本地持久层，nil 表示不持久化
	Endpoint       string        // 同步端点基址（如 ws://host:8080），空表示离线
	Dialer         transport.Dialer
	ActorName      string        // 在场条目中展示的名字
	ReadOnly       bool          // 强制只读（公开视图文档自动只读）
	SaveDebounce   time.Duration // 持久化去抖窗口
	Heartbeat      time.Duration // 在场心跳间隔
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		SaveDebounce:   500 * time.Millisecond,
		Heartbeat:      3 * time.Second,
		BackoffInitial: time.Second,
		BackoffMax:     30 * time.Second,
	}
}

// Option 以函数方式修改配置。
type Option func(*Config)

// WithStore 启用本地持久化。会话不拥有 store，关闭会话不会关闭它。
func WithStore(s store.Store) Option {
	return func(c *Config) { c.Store = s }
}

// WithEndpoint 启用同步，endpoint 是不含文档路径的基址。
func WithEndpoint(endpoint string) Option {
	return func(c *Config) { c.Endpoint = endpoint }
}

// WithDialer 注入自定义拨号器（测试用）。
func WithDialer(d transport.Dialer) Option {
	return func(c *Config) { c.Dialer = d }
}

// WithActorName 设置在场条目中展示的名字。
func WithActorName(name string) Option {
	return func(c *Config) { c.ActorName = name }
}

// WithReadOnly 强制会话只读。
func WithReadOnly() Option {
	return func(c *Config) { c.ReadOnly = true }
}

// WithSaveDebounce 设置持久化去抖窗口。
func WithSaveDebounce(d time.Duration) Option {
	return func(c *Config) { c.SaveDebounce = d }
}

// WithHeartbeat 设置在场心跳间隔，离线判定阈值为其三倍。
func WithHeartbeat(d time.Duration) Option {
	return func(c *Config) { c.Heartbeat = d }
}

// WithBackoff 设置重连退避的初值与上限。
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Config) {
		c.BackoffInitial = initial
		c.BackoffMax = max
	}
}
