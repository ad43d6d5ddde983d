package doc

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ti777777/notepia-sub002/pkg/crdt"
	"github.com/ti777777/notepia-sub002/pkg/hlc"
	"github.com/ti777777/notepia-sub002/pkg/version"
)

// wireState 是文档的持久化快照：容器状态、版本向量、操作日志与暂存操作。
// 日志随快照保存，恢复后的副本仍能向落后副本补发更新。
type wireState struct {
	Vector     map[string]uint64        `msgpack:"v"`
	Containers map[string]wireContainer `msgpack:"c"`
	Log        []wireEntry              `msgpack:"l"`
	Parked     []wireParked             `msgpack:"p,omitempty"`
	Clock      int64                    `msgpack:"t"`
}

type wireContainer struct {
	Kind byte   `msgpack:"k"`
	Data []byte `msgpack:"d"`
}

type wireParked struct {
	Name string `msgpack:"n"`
	Kind byte   `msgpack:"k"`
	Op   []byte `msgpack:"p"`
}

// EncodeState 序列化文档完整状态，用于本地持久化。
func (d *Document) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := wireState{
		Vector:     d.vec.Clone(),
		Containers: make(map[string]wireContainer, len(d.containers)),
		Log:        make([]wireEntry, 0, len(d.log)),
		Clock:      d.clock.Last(),
	}
	for name, c := range d.containers {
		data, err := c.Bytes()
		if err != nil {
			return nil, err
		}
		w.Containers[name] = wireContainer{Kind: byte(c.Kind()), Data: data}
	}
	for _, e := range d.log {
		w.Log = append(w.Log, wireEntry{Actor: e.Actor, Seq: e.Seq, Name: e.Name, Kind: byte(e.Kind), Op: e.Op})
	}
	for _, p := range d.parked {
		data, err := crdt.EncodeOp(p.Op)
		if err != nil {
			return nil, err
		}
		w.Parked = append(w.Parked, wireParked{Name: p.Name, Kind: byte(p.Kind), Op: data})
	}
	return msgpack.Marshal(&w)
}

// LoadState 从持久化快照恢复文档。快照损坏时返回 DecodeError。
func LoadState(id ID, actor string, data []byte) (*Document, error) {
	var w wireState
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, &crdt.DecodeError{Reason: "文档快照", Err: err}
	}

	d := &Document{
		id:         id,
		actor:      actor,
		clock:      hlc.New(),
		vec:        version.New(),
		containers: make(map[string]crdt.Container, len(w.Containers)),
	}
	d.clock.Observe(w.Clock)
	if w.Vector != nil {
		d.vec = version.Vector(w.Vector).Clone()
	}

	for name, wc := range w.Containers {
		c, err := crdt.Load(crdt.Kind(wc.Kind), wc.Data)
		if err != nil {
			return nil, err
		}
		d.containers[name] = c
	}

	for _, e := range w.Log {
		d.log = append(d.log, logEntry{Actor: e.Actor, Seq: e.Seq, Name: e.Name, Kind: crdt.Kind(e.Kind), Op: e.Op})
	}
	for _, p := range w.Parked {
		op, err := crdt.DecodeOp(p.Op)
		if err != nil {
			return nil, err
		}
		d.parked = append(d.parked, parkedOp{Name: p.Name, Kind: crdt.Kind(p.Kind), Op: op})
	}
	return d, nil
}
