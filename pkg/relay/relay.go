// Package relay 实现同步中继服务端：每个文档一个 hub，
// 保存服务端权威副本，应答调和请求并把更新转发给其余连接。
package relay

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ti777777/notepia-sub002/pkg/doc"
	"github.com/ti777777/notepia-sub002/pkg/store"
)

// relayActor 是服务端副本使用的 actor ID。服务端从不产生操作，
// 它只合并各客户端的操作，这个 ID 不会出现在任何更新里。
const relayActor = "relay"

// Relay 按文档路径分发 websocket 连接到各自的 hub。
type Relay struct {
	store        store.Store
	saveDebounce time.Duration
	upgrader     websocket.Upgrader

	mu   sync.Mutex
	hubs map[string]*hub
}

// Option 以函数方式修改中继配置。
type Option func(*Relay)

// WithStore 启用服务端持久化：每个文档的权威副本落盘，
// 重启后从快照恢复。中继不拥有 store。
func WithStore(s store.Store) Option {
	return func(r *Relay) { r.store = s }
}

// WithSaveDebounce 设置服务端持久化去抖窗口。
func WithSaveDebounce(d time.Duration) Option {
	return func(r *Relay) { r.saveDebounce = d }
}

// New 创建中继。
func New(opts ...Option) *Relay {
	r := &Relay{
		saveDebounce: 500 * time.Millisecond,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		hubs: make(map[string]*hub),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handler 返回中继的 HTTP 处理器。
// 路由与客户端 doc.ID.Path 一致：/ws/{kind}/{entity}。
func (r *Relay) Handler() http.Handler {
	m := mux.NewRouter()
	m.HandleFunc("/ws/public/views/{entity}", func(w http.ResponseWriter, req *http.Request) {
		r.serveWS(w, req, doc.KindPublicViews, mux.Vars(req)["entity"])
	})
	m.HandleFunc("/ws/{kind}/{entity}", func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		r.serveWS(w, req, doc.Kind(vars["kind"]), vars["entity"])
	})
	return m
}

func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request, kind doc.Kind, entity string) {
	id := doc.ID{Kind: kind, Entity: entity}
	if err := id.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	h, err := r.hub(id)
	if err != nil {
		log.Printf("relay: 打开文档 %s 失败: %v", id, err)
		http.Error(w, "document unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	h.serve(conn, kind.ReadOnly())
}

// hub 返回或创建文档对应的 hub。同一文档的公开只读连接与普通连接
// 落到同一个 hub：分发按规范身份进行，访问模式由连接自己携带。
func (r *Relay) hub(id doc.ID) (*hub, error) {
	canonical := id.Canonical()

	r.mu.Lock()
	defer r.mu.Unlock()

	key := canonical.String()
	if h, ok := r.hubs[key]; ok {
		return h, nil
	}

	h, err := newHub(canonical, r.store, r.saveDebounce)
	if err != nil {
		return nil, err
	}
	r.hubs[key] = h
	return h, nil
}

// Close 冲刷并停止所有 hub 的持久化。已建立的连接由 HTTP 服务器关闭。
func (r *Relay) Close() error {
	r.mu.Lock()
	hubs := r.hubs
	r.hubs = make(map[string]*hub)
	r.mu.Unlock()

	for _, h := range hubs {
		h.stop()
	}
	return nil
}

func newHub(id doc.ID, st store.Store, debounce time.Duration) (*hub, error) {
	h := &hub{
		id:      id,
		clients: make(map[*client]struct{}),
	}

	if st == nil {
		h.doc = doc.New(id, relayActor)
		return h, nil
	}

	data, err := st.Load(id.StorageKey())
	switch {
	case err == nil:
		h.doc, err = doc.LoadState(id, relayActor, data)
		if err != nil {
			return nil, fmt.Errorf("服务端快照损坏: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		h.doc = doc.New(id, relayActor)
	default:
		return nil, err
	}

	h.saver = store.NewSaver(st, id.StorageKey(), debounce, h.doc.EncodeState, nil)
	h.doc.OnChange(func([]doc.Change) { h.saver.Mark() })
	return h, nil
}
