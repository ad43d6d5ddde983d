package doc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ti777777/notepia-sub002/pkg/crdt"
	"github.com/ti777777/notepia-sub002/pkg/version"
)

// wireUpdate 是副本间交换的更新单元：一批带因果标注的操作加上发送方的版本向量。
type wireUpdate struct {
	Ops    []wireEntry       `msgpack:"o"`
	Vector map[string]uint64 `msgpack:"v"`
}

type wireEntry struct {
	Actor string `msgpack:"a"`
	Seq   uint64 `msgpack:"s"`
	Name  string `msgpack:"n"`
	Kind  byte   `msgpack:"k"`
	Op    []byte `msgpack:"p"`
}

func encodeUpdate(entries []logEntry, vec version.Vector) ([]byte, error) {
	w := wireUpdate{
		Ops:    make([]wireEntry, 0, len(entries)),
		Vector: vec,
	}
	for _, e := range entries {
		w.Ops = append(w.Ops, wireEntry{
			Actor: e.Actor,
			Seq:   e.Seq,
			Name:  e.Name,
			Kind:  byte(e.Kind),
			Op:    e.Op,
		})
	}
	return msgpack.Marshal(&w)
}

// decodedEntry 是完成解码校验的更新项。
type decodedEntry struct {
	logEntry
	op crdt.Op
}

// decodeUpdate 解码并校验整个更新。任何一项损坏都使整个更新被拒绝，
// 调用方状态不会被部分改动。
func decodeUpdate(data []byte) ([]decodedEntry, version.Vector, error) {
	var w wireUpdate
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, nil, &crdt.DecodeError{Reason: "更新载荷", Err: err}
	}

	entries := make([]decodedEntry, 0, len(w.Ops))
	for i, e := range w.Ops {
		if e.Actor == "" || e.Seq == 0 {
			return nil, nil, &crdt.DecodeError{Reason: fmt.Sprintf("第 %d 项缺少因果标注", i)}
		}
		if e.Name == "" {
			return nil, nil, &crdt.DecodeError{Reason: fmt.Sprintf("第 %d 项缺少容器名", i)}
		}
		op, err := crdt.DecodeOp(e.Op)
		if err != nil {
			return nil, nil, err
		}
		if op.Kind() != crdt.Kind(e.Kind) {
			return nil, nil, &crdt.DecodeError{Reason: fmt.Sprintf("第 %d 项操作类型与容器类型不符", i)}
		}
		entries = append(entries, decodedEntry{
			logEntry: logEntry{Actor: e.Actor, Seq: e.Seq, Name: e.Name, Kind: crdt.Kind(e.Kind), Op: e.Op},
			op:       op,
		})
	}

	vec := version.Vector(w.Vector)
	if vec == nil {
		vec = version.New()
	}
	return entries, vec, nil
}

// ApplyUpdate 应用一段远程更新，返回发送方的版本向量。
//
// 幂等：序号不超过已观察进度的操作被跳过；同一更新应用两次与应用一次结果相同。
// 交换律：不同 actor 的更新以任意顺序应用收敛到同一状态。
// 损坏的更新整体拒绝并返回 DecodeError，文档状态不变。
func (d *Document) ApplyUpdate(data []byte) (version.Vector, error) {
	entries, remoteVec, err := decodeUpdate(data)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()

	// 先整体校验容器类型一致性，再开始改动，避免半途失败造成部分应用
	kinds := make(map[string]crdt.Kind)
	for name, c := range d.containers {
		kinds[name] = c.Kind()
	}
	for _, e := range entries {
		if k, ok := kinds[e.Name]; ok && k != e.Kind {
			d.mu.Unlock()
			return nil, &crdt.DecodeError{Reason: fmt.Sprintf("容器 %q 类型冲突", e.Name)}
		}
		kinds[e.Name] = e.Kind
	}

	changed := make(map[string]crdt.Kind)
	for _, e := range entries {
		if e.Seq <= d.vec.Get(e.Actor) {
			continue // 已观察过，幂等跳过
		}

		c, err := d.containerLocked(e.Name, e.Kind)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}

		switch applyErr := c.Apply(e.op); applyErr {
		case nil:
			changed[e.Name] = e.Kind
		case crdt.ErrUnknownAnchor:
			// 跨 actor 乱序到达：锚点尚未就位，暂存待重试。
			// 日志与向量照常推进，缺失的锚点会经由补发路径到达。
			d.parked = append(d.parked, parkedOp{Name: e.Name, Kind: e.Kind, Op: e.op})
		default:
			d.mu.Unlock()
			return nil, applyErr
		}

		d.observeClockLocked(e.op)
		d.vec.Observe(e.Actor, e.Seq)
		d.log = append(d.log, e.logEntry)
	}

	d.retryParkedLocked(changed)

	listeners := d.onChange
	d.mu.Unlock()

	changes := make([]Change, 0, len(changed))
	for name, kind := range changed {
		changes = append(changes, Change{Container: name, Kind: kind})
	}
	d.notify(listeners, changes)

	return remoteVec, nil
}

// retryParkedLocked 重试暂存操作，直到一轮没有任何进展。
func (d *Document) retryParkedLocked(changed map[string]crdt.Kind) {
	for {
		progressed := false
		kept := d.parked[:0]
		for _, p := range d.parked {
			c, err := d.containerLocked(p.Name, p.Kind)
			if err != nil {
				continue // 类型冲突的暂存操作直接丢弃
			}
			switch c.Apply(p.Op) {
			case nil:
				changed[p.Name] = p.Kind
				progressed = true
			case crdt.ErrUnknownAnchor:
				kept = append(kept, p)
			default:
				// 其余错误不可恢复，丢弃
			}
		}
		d.parked = kept
		if !progressed {
			return
		}
	}
}

// observeClockLocked 将远程操作携带的逻辑时钟并入本地时钟。
func (d *Document) observeClockLocked(op crdt.Op) {
	switch o := op.(type) {
	case crdt.OpMapSet:
		d.clock.Observe(o.Clock)
	case crdt.OpMapDelete:
		d.clock.Observe(o.Clock)
	case crdt.OpTextInsert:
		if clock, _, ok := crdt.ParseVertexID(o.ID); ok {
			d.clock.Observe(clock)
		}
	case crdt.OpTextDelete:
		d.clock.Observe(o.Clock)
	case crdt.OpRecordUpsert:
		d.clock.Observe(o.Clock)
	case crdt.OpRecordDelete:
		d.clock.Observe(o.Clock)
	}
}

// EncodeUpdateSince 编码远端尚未观察到的全部操作（状态调和握手的应答）。
// 即使没有缺失操作也返回一个携带本地版本向量的空更新。
func (d *Document) EncodeUpdateSince(remote version.Vector) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var missing []logEntry
	for _, e := range d.log {
		if e.Seq > remote.Get(e.Actor) {
			missing = append(missing, e)
		}
	}
	return encodeUpdate(missing, d.vec.Clone())
}
