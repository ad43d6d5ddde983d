// Package session 把文档、持久层与同步传输装配成一个可用的协同会话。
//
// 会话是本地优先的：打开时先从本地快照恢复并立即进入可编辑状态，
// 网络连接在后台建立，连不上也不影响本地读写。
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ti777777/notepia-sub002/pkg/doc"
	"github.com/ti777777/notepia-sub002/pkg/store"
	"github.com/ti777777/notepia-sub002/pkg/transport"
	"github.com/ti777777/notepia-sub002/pkg/version"
)

var (
	// ErrReadOnly 表示对只读会话（公开视图文档或显式只读）的写入被拒绝。
	ErrReadOnly = errors.New("session: 会话只读")
	// ErrClosed 表示会话已关闭。
	ErrClosed = errors.New("session: 会话已关闭")
)

// State 是会话生命周期状态。
type State int32

const (
	StateInitializing State = iota
	StateActive
	StateClosed
)

// String 返回可读状态字符串。
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status 是会话状态快照。
type Status struct {
	State     State
	Transport transport.Status
	Synced    bool // 已完成一轮调和握手
	Durable   bool // 启用了本地持久化
	ReadOnly  bool
}

// Session 是一个打开的协同文档会话。
type Session struct {
	id       doc.ID
	actor    string
	readOnly bool

	doc      *doc.Document
	store    store.Store
	saver    *store.Saver
	aware    *transport.Awareness
	provider *transport.Provider

	mu        sync.Mutex
	state     State
	durable   bool // 最近一次持久化是否成功
	closeOnce sync.Once
}

// Open 打开文档会话：先从本地快照恢复（没有则新建空文档），
// 随后在后台建立同步连接。恢复成功即进入 Active，不等待网络。
func Open(id doc.ID, opts ...Option) (*Session, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		id:       id,
		actor:    uuid.NewString(),
		readOnly: cfg.ReadOnly || id.Kind.ReadOnly(),
		store:    cfg.Store,
		state:    StateInitializing,
	}

	// 本地恢复
	if s.store != nil {
		data, err := s.store.Load(id.StorageKey())
		switch {
		case err == nil:
			s.doc, err = doc.LoadState(id, s.actor, data)
			if err != nil {
				return nil, fmt.Errorf("session: 本地快照损坏: %w", err)
			}
		case errors.Is(err, store.ErrNotFound):
			s.doc = doc.New(id, s.actor)
		default:
			return nil, fmt.Errorf("session: 读取本地快照失败: %w", err)
		}
	} else {
		s.doc = doc.New(id, s.actor)
	}

	// 本地或远程的每次变更都触发去抖持久化。
	// 持久化失败只降级 Durable 状态，不打断会话。
	if s.store != nil {
		s.durable = true
		s.saver = store.NewSaver(s.store, id.StorageKey(), cfg.SaveDebounce, s.doc.EncodeState, func(err error) {
			s.mu.Lock()
			s.durable = err == nil
			s.mu.Unlock()
		})
		s.doc.OnChange(func([]doc.Change) { s.saver.Mark() })
	}

	s.aware = transport.NewAwareness(
		transport.PresenceEntry{Actor: s.actor, Name: cfg.ActorName},
		3*cfg.Heartbeat,
	)

	if cfg.Endpoint != "" {
		url := strings.TrimSuffix(cfg.Endpoint, "/") + id.Path()
		topts := []transport.Option{
			transport.WithBackoff(cfg.BackoffInitial, cfg.BackoffMax),
			transport.WithHeartbeatInterval(cfg.Heartbeat),
		}
		if cfg.Dialer != nil {
			topts = append(topts, transport.WithDialer(cfg.Dialer))
		}
		s.provider = transport.NewProvider(url, s.doc, s.aware, topts...)
		s.provider.Connect()
	}

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()
	return s, nil
}

// ID 返回文档标识。
func (s *Session) ID() doc.ID { return s.id }

// Actor 返回本会话的 actor ID。
func (s *Session) Actor() string { return s.actor }

// Document 返回底层文档，供只读检视。写入必须经由会话方法以保证
// 只读检查与同步扇出。
func (s *Session) Document() *doc.Document { return s.doc }

// Awareness 返回在场集合。
func (s *Session) Awareness() *transport.Awareness { return s.aware }

// Status 返回当前会话状态快照。
func (s *Session) Status() Status {
	s.mu.Lock()
	state := s.state
	durable := s.durable
	s.mu.Unlock()

	ts := transport.StatusDisconnected
	if s.provider != nil {
		ts = s.provider.Status()
	}
	return Status{
		State:     state,
		Transport: ts,
		Synced:    ts == transport.StatusSynced,
		Durable:   durable,
		ReadOnly:  s.readOnly,
	}
}

// OnChange 注册文档变更监听（本地与远程变更都会触发）。
func (s *Session) OnChange(fn func([]doc.Change)) {
	s.doc.OnChange(fn)
}

// OnStatus 注册传输状态监听。离线会话立即收到 disconnected 且不再回调。
func (s *Session) OnStatus(fn func(transport.Status)) {
	if s.provider != nil {
		s.provider.OnStatus(fn)
		return
	}
	fn(transport.StatusDisconnected)
}

// SetCursor 更新本地光标，在下一次心跳随帧广播。
func (s *Session) SetCursor(c *transport.Cursor) {
	s.aware.SetCursor(c)
}

// SetField 写入映射容器的一个字段。
func (s *Session) SetField(container, key string, value any) error {
	if err := s.writable(); err != nil {
		return err
	}
	update, err := s.doc.SetField(container, key, value)
	if err != nil {
		return err
	}
	s.fanOut(update)
	return nil
}

// DeleteField 删除映射容器的一个字段。
func (s *Session) DeleteField(container, key string) error {
	if err := s.writable(); err != nil {
		return err
	}
	update, err := s.doc.DeleteField(container, key)
	if err != nil {
		return err
	}
	s.fanOut(update)
	return nil
}

// InsertText 在文本容器的 index 处插入文本。
func (s *Session) InsertText(container string, index int, text string) error {
	if err := s.writable(); err != nil {
		return err
	}
	update, err := s.doc.InsertText(container, index, text)
	if err != nil {
		return err
	}
	s.fanOut(update)
	return nil
}

// DeleteText 删除文本容器从 from 起的 n 个字符。
func (s *Session) DeleteText(container string, from, n int) error {
	if err := s.writable(); err != nil {
		return err
	}
	update, err := s.doc.DeleteText(container, from, n)
	if err != nil {
		return err
	}
	s.fanOut(update)
	return nil
}

// UpsertRecord 整体写入记录集中的一条记录。
func (s *Session) UpsertRecord(container, recordID string, fields map[string]any) error {
	if err := s.writable(); err != nil {
		return err
	}
	update, err := s.doc.UpsertRecord(container, recordID, fields)
	if err != nil {
		return err
	}
	s.fanOut(update)
	return nil
}

// DeleteRecord 删除记录集中的一条记录。
func (s *Session) DeleteRecord(container, recordID string) error {
	if err := s.writable(); err != nil {
		return err
	}
	update, err := s.doc.DeleteRecord(container, recordID)
	if err != nil {
		return err
	}
	s.fanOut(update)
	return nil
}

// NewRecordID 生成一个按创建时间可排序的记录 ID。
func (s *Session) NewRecordID() string {
	return doc.NewRecordID()
}

// StateVector 返回文档当前版本向量。
func (s *Session) StateVector() version.Vector {
	return s.doc.StateVector()
}

// CollectGarbage 物理回收删除时间早于 safeBefore 的墓碑。
// 证据来自最近一次调和：仅当服务器版本向量已覆盖本地全部操作时才回收，
// 否则（离线、从未调和、服务器落后）不做任何事，墓碑保留。
func (s *Session) CollectGarbage(safeBefore int64) int {
	if s.provider == nil {
		return s.doc.CollectGarbage(safeBefore, false)
	}
	remote := s.provider.RemoteVector()
	evidence := remote != nil && remote.Dominates(s.doc.StateVector())
	return s.doc.CollectGarbage(safeBefore, evidence)
}

// Flush 立即执行挂起的持久化（若有）。
func (s *Session) Flush() {
	if s.saver != nil {
		s.saver.Flush()
	}
}

// Close 关闭会话：停止同步连接，冲刷挂起的持久化。幂等。
// 外部传入的 store 不随会话关闭。
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		if s.provider != nil {
			s.provider.Close()
		}
		if s.saver != nil {
			s.saver.Stop()
		}
	})
	return nil
}

func (s *Session) writable() error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	return nil
}

func (s *Session) fanOut(update []byte) {
	if len(update) == 0 {
		// 空操作（如插入空串）不产生更新
		return
	}
	if s.provider != nil {
		s.provider.SendUpdate(update)
	}
}
