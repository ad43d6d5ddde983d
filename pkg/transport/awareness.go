package transport

import (
	"sort"
	"sync"
	"time"
)

// Awareness 维护在场集合：本地 actor 的在场条目加上各对端最近心跳。
// 对端超过超时阈值没有心跳即被移除。Provider 负责周期性广播与修剪。
type Awareness struct {
	mu       sync.Mutex
	local    PresenceEntry
	peers    map[string]*peerPresence
	timeout  time.Duration
	onUpdate []func([]PresenceEntry)
}

type peerPresence struct {
	entry    PresenceEntry
	lastSeen time.Time
}

// NewAwareness 创建在场集合。timeout 是判定对端离线的心跳超时阈值。
func NewAwareness(local PresenceEntry, timeout time.Duration) *Awareness {
	return &Awareness{
		local:   local,
		peers:   make(map[string]*peerPresence),
		timeout: timeout,
	}
}

// Local 返回本地在场条目。
func (a *Awareness) Local() PresenceEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local
}

// SetCursor 更新本地光标位置，下一次心跳随帧广播。
func (a *Awareness) SetCursor(c *Cursor) {
	a.mu.Lock()
	a.local.Cursor = c
	a.mu.Unlock()
	a.notify()
}

// Apply 合并一帧远程在场条目。离场条目立即移除对应 actor。
func (a *Awareness) Apply(entries []PresenceEntry) {
	now := time.Now()

	a.mu.Lock()
	changed := false
	for _, e := range entries {
		if e.Actor == "" || e.Actor == a.local.Actor {
			continue
		}
		if e.Left {
			if _, ok := a.peers[e.Actor]; ok {
				delete(a.peers, e.Actor)
				changed = true
			}
			continue
		}
		p, ok := a.peers[e.Actor]
		if !ok {
			a.peers[e.Actor] = &peerPresence{entry: e, lastSeen: now}
			changed = true
			continue
		}
		p.lastSeen = now
		if p.entry.Name != e.Name || !cursorEqual(p.entry.Cursor, e.Cursor) {
			p.entry = e
			changed = true
		}
	}
	a.mu.Unlock()

	if changed {
		a.notify()
	}
}

// Prune 移除心跳超时的对端，返回移除数量。
func (a *Awareness) Prune() int {
	now := time.Now()

	a.mu.Lock()
	removed := 0
	for actor, p := range a.peers {
		if now.Sub(p.lastSeen) > a.timeout {
			delete(a.peers, actor)
			removed++
		}
	}
	a.mu.Unlock()

	if removed > 0 {
		a.notify()
	}
	return removed
}

// Clear 移除全部对端（连接断开时调用：在场生命周期严格跟随连接）。
func (a *Awareness) Clear() {
	a.mu.Lock()
	had := len(a.peers) > 0
	a.peers = make(map[string]*peerPresence)
	a.mu.Unlock()

	if had {
		a.notify()
	}
}

// Entries 返回当前在场集合（本地条目在前，对端按 actor ID 排序）。
func (a *Awareness) Entries() []PresenceEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entriesLocked()
}

func (a *Awareness) entriesLocked() []PresenceEntry {
	res := make([]PresenceEntry, 0, len(a.peers)+1)
	res = append(res, a.local)
	actors := make([]string, 0, len(a.peers))
	for actor := range a.peers {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	for _, actor := range actors {
		res = append(res, a.peers[actor].entry)
	}
	return res
}

// OnUpdate 注册在场集合变更监听。
func (a *Awareness) OnUpdate(fn func([]PresenceEntry)) {
	a.mu.Lock()
	a.onUpdate = append(a.onUpdate, fn)
	a.mu.Unlock()
}

func (a *Awareness) notify() {
	a.mu.Lock()
	listeners := a.onUpdate
	entries := a.entriesLocked()
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(entries)
	}
}

func cursorEqual(a, b *Cursor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
