package crdt

import (
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// LWWMap 实现字符串键到任意可序列化值的映射。
// 每个键独立按 (时钟, actor) 标签做最后写入胜出；
// 观察过旧写入的新写入必然胜出，并发写入由标签字典序决出。
type LWWMap struct {
	mu      sync.RWMutex
	entries map[string]*MapEntry
}

// MapEntry 是一个键的当前状态。删除保留为墓碑，防止并发旧写入复活该键。
type MapEntry struct {
	Value   any
	Clock   int64
	Actor   string
	Deleted bool
}

// NewLWWMap 创建一个空的 LWWMap。
func NewLWWMap() *LWWMap {
	return &LWWMap{entries: make(map[string]*MapEntry)}
}

func (m *LWWMap) Kind() Kind { return KindMap }

// OpMapSet 设置一个键的值。
type OpMapSet struct {
	Key   string
	Value any
	Clock int64
	Actor string
}

func (op OpMapSet) Kind() Kind { return KindMap }

// OpMapDelete 删除一个键（写入墓碑）。
type OpMapDelete struct {
	Key   string
	Clock int64
	Actor string
}

func (op OpMapDelete) Kind() Kind { return KindMap }

func (m *LWWMap) Apply(op Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch o := op.(type) {
	case OpMapSet:
		if o.Key == "" {
			return ErrInvalidOp
		}
		m.put(o.Key, &MapEntry{Value: o.Value, Clock: o.Clock, Actor: o.Actor})
	case OpMapDelete:
		if o.Key == "" {
			return ErrInvalidOp
		}
		m.put(o.Key, &MapEntry{Clock: o.Clock, Actor: o.Actor, Deleted: true})
	default:
		return ErrInvalidOp
	}
	return nil
}

// put 仅在新标签胜过现有标签时替换。标签相等时为重复操作，不做改动。
func (m *LWWMap) put(key string, e *MapEntry) {
	cur, ok := m.entries[key]
	if ok {
		newTag := Tag{Clock: e.Clock, Actor: e.Actor}
		curTag := Tag{Clock: cur.Clock, Actor: cur.Actor}
		if !newTag.After(curTag) {
			return
		}
	}
	m.entries[key] = e
}

// Get 返回某键的当前值。被删除或不存在的键返回 (nil, false)。
func (m *LWWMap) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// Value 返回所有存活键值的普通 map 拷贝。
func (m *LWWMap) Value() any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make(map[string]any, len(m.entries))
	for k, e := range m.entries {
		if !e.Deleted {
			res[k] = e.Value
		}
	}
	return res
}

// Len 返回存活键数量。
func (m *LWWMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.entries {
		if !e.Deleted {
			n++
		}
	}
	return n
}

func (m *LWWMap) Merge(other Container) error {
	o, ok := other.(*LWWMap)
	if !ok {
		return ErrInvalidOp
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range o.entries {
		m.put(k, &MapEntry{Value: e.Value, Clock: e.Clock, Actor: e.Actor, Deleted: e.Deleted})
	}
	return nil
}

func (m *LWWMap) GC(safeBefore int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for k, e := range m.entries {
		if e.Deleted && e.Clock < safeBefore {
			delete(m.entries, k)
			count++
		}
	}
	return count
}

func (m *LWWMap) Bytes() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return msgpack.Marshal(m.entries)
}

// LoadLWWMap 从序列化状态恢复 LWWMap。
func LoadLWWMap(data []byte) (*LWWMap, error) {
	entries := make(map[string]*MapEntry)
	if len(data) > 0 {
		if err := msgpack.Unmarshal(data, &entries); err != nil {
			return nil, &DecodeError{Reason: "LWWMap 状态", Err: err}
		}
	}
	if entries == nil {
		entries = make(map[string]*MapEntry)
	}
	return &LWWMap{entries: entries}, nil
}
