// Package bridge 把文档变更物化成与 CRDT 内部结构解耦的普通快照，
// 供上层（UI、索引、导出）消费。快照全部是拷贝，持有它们不会
// 阻碍容器的并发修改或垃圾回收。
package bridge

import (
	"sync"

	"github.com/ti777777/notepia-sub002/pkg/crdt"
	"github.com/ti777777/notepia-sub002/pkg/doc"
	"github.com/ti777777/notepia-sub002/pkg/session"
)

// Snapshot 是一个容器在某一时刻的普通值表示，按 Kind 取用字段。
type Snapshot struct {
	Container string
	Kind      crdt.Kind
	Text      string                    // KindText
	Fields    map[string]any            // KindMap
	Records   map[string]map[string]any // KindRecords：记录 ID -> 字段
}

// Observer 监听一个会话的容器变更并向各订阅者分发快照。
// 同一次通知里一个容器至多物化一次，无论该批变更触碰它多少回。
type Observer struct {
	doc *doc.Document

	mu       sync.Mutex
	watchers map[string][]func(Snapshot)
}

// Attach 把 Observer 挂到会话上。
func Attach(s *session.Session) *Observer {
	o := &Observer{
		doc:      s.Document(),
		watchers: make(map[string][]func(Snapshot)),
	}
	s.OnChange(o.dispatch)
	return o
}

// Watch 订阅一个容器。订阅立即收到一份当前快照，之后每次变更
// 收到新快照。随时可以新增订阅者，新订阅者同样先拿到完整快照。
func (o *Observer) Watch(container string, kind crdt.Kind, fn func(Snapshot)) {
	o.mu.Lock()
	o.watchers[container] = append(o.watchers[container], fn)
	o.mu.Unlock()

	fn(o.snapshot(container, kind))
}

func (o *Observer) dispatch(changes []doc.Change) {
	// 每容器只物化一次
	seen := make(map[string]crdt.Kind, len(changes))
	for _, c := range changes {
		seen[c.Container] = c.Kind
	}

	for name, kind := range seen {
		o.mu.Lock()
		watchers := o.watchers[name]
		o.mu.Unlock()
		if len(watchers) == 0 {
			continue
		}

		snap := o.snapshot(name, kind)
		for _, fn := range watchers {
			fn(snap)
		}
	}
}

func (o *Observer) snapshot(name string, kind crdt.Kind) Snapshot {
	snap := Snapshot{Container: name, Kind: kind}
	switch kind {
	case crdt.KindText:
		if t := o.doc.Text(name); t != nil {
			snap.Text = t.String()
		}
	case crdt.KindMap:
		if m := o.doc.Map(name); m != nil {
			snap.Fields = m.Value().(map[string]any)
		}
	case crdt.KindRecords:
		if r := o.doc.Records(name); r != nil {
			snap.Records = r.Value().(map[string]map[string]any)
		}
	}
	return snap
}
