package doc

import (
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/ti777777/notepia-sub002/pkg/crdt"
	"github.com/ti777777/notepia-sub002/pkg/hlc"
	"github.com/ti777777/notepia-sub002/pkg/version"
)

// Change 描述一次容器级变更，供观察桥合并为消费者通知。
type Change struct {
	Container string
	Kind      crdt.Kind
}

// Document 是一个文档的复制状态：命名容器集合加上因果元数据。
//
// 本地变更与远程更新都经过同一把锁串行化；
// 每次本地变更产出一段出站更新编码，远程更新按 (actor, 序号) 去重后应用。
type Document struct {
	mu    sync.Mutex
	id    ID
	actor string
	clock *hlc.Clock
	vec   version.Vector

	containers map[string]crdt.Container

	// 按产生顺序保留的操作日志，用于向落后副本补发更新。
	log []logEntry

	// 锚点尚未到达的文本操作，每次应用更新后重试。
	parked []parkedOp

	onChange []func([]Change)
}

type logEntry struct {
	Actor string
	Seq   uint64
	Name  string // 容器名
	Kind  crdt.Kind
	Op    []byte // crdt.EncodeOp 编码
}

type parkedOp struct {
	Name string
	Kind crdt.Kind
	Op   crdt.Op
}

// New 创建一个空文档。actor 是本副本的稳定标识。
func New(id ID, actor string) *Document {
	return &Document{
		id:         id,
		actor:      actor,
		clock:      hlc.New(),
		vec:        version.New(),
		containers: make(map[string]crdt.Container),
	}
}

// ID 返回文档标识。
func (d *Document) ID() ID { return d.id }

// Actor 返回本副本的 actor ID。
func (d *Document) Actor() string { return d.actor }

// StateVector 返回当前版本向量的拷贝。
func (d *Document) StateVector() version.Vector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vec.Clone()
}

// OnChange 注册变更监听。回调在持锁之外被调用。
func (d *Document) OnChange(fn func([]Change)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = append(d.onChange, fn)
}

// NewRecordID 生成一个可排序的记录 ID。
func NewRecordID() string {
	return ulid.Make().String()
}

// containerLocked 返回命名容器，类型不符时报错，不存在时创建。
func (d *Document) containerLocked(name string, kind crdt.Kind) (crdt.Container, error) {
	if c, ok := d.containers[name]; ok {
		if c.Kind() != kind {
			return nil, fmt.Errorf("容器 %q 已是 %v 类型, 不能作为 %v 使用", name, c.Kind(), kind)
		}
		return c, nil
	}
	c, err := crdt.New(kind)
	if err != nil {
		return nil, err
	}
	d.containers[name] = c
	return c, nil
}

// Text 返回命名文本容器（只读访问），不存在时创建。
func (d *Document) Text(name string) *crdt.Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.containerLocked(name, crdt.KindText)
	if err != nil {
		return nil
	}
	return c.(*crdt.Text)
}

// Map 返回命名映射容器，不存在时创建。
func (d *Document) Map(name string) *crdt.LWWMap {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.containerLocked(name, crdt.KindMap)
	if err != nil {
		return nil
	}
	return c.(*crdt.LWWMap)
}

// Records 返回命名记录集合容器，不存在时创建。
func (d *Document) Records(name string) *crdt.RecordSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.containerLocked(name, crdt.KindRecords)
	if err != nil {
		return nil
	}
	return c.(*crdt.RecordSet)
}

// notify 在释放锁之后分发变更事件。
func (d *Document) notify(listeners []func([]Change), changes []Change) {
	if len(changes) == 0 {
		return
	}
	for _, fn := range listeners {
		fn(changes)
	}
}

// commitLocked 将一个本地操作记入日志并返回日志项。
func (d *Document) commitLocked(name string, kind crdt.Kind, op crdt.Op) (logEntry, error) {
	data, err := crdt.EncodeOp(op)
	if err != nil {
		return logEntry{}, err
	}
	entry := logEntry{
		Actor: d.actor,
		Seq:   d.vec.Inc(d.actor),
		Name:  name,
		Kind:  kind,
		Op:    data,
	}
	d.log = append(d.log, entry)
	return entry, nil
}

// SetField 设置映射容器的一个字段，返回出站更新编码。
func (d *Document) SetField(container, key string, value any) ([]byte, error) {
	d.mu.Lock()
	c, err := d.containerLocked(container, crdt.KindMap)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	op := crdt.OpMapSet{Key: key, Value: value, Clock: d.clock.Now(), Actor: d.actor}
	if err := c.Apply(op); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	entry, err := d.commitLocked(container, crdt.KindMap, op)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	update, err := encodeUpdate([]logEntry{entry}, d.vec.Clone())
	listeners := d.onChange
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	d.notify(listeners, []Change{{Container: container, Kind: crdt.KindMap}})
	return update, nil
}

// DeleteField 删除映射容器的一个字段，返回出站更新编码。
func (d *Document) DeleteField(container, key string) ([]byte, error) {
	d.mu.Lock()
	c, err := d.containerLocked(container, crdt.KindMap)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	op := crdt.OpMapDelete{Key: key, Clock: d.clock.Now(), Actor: d.actor}
	if err := c.Apply(op); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	entry, err := d.commitLocked(container, crdt.KindMap, op)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	update, err := encodeUpdate([]logEntry{entry}, d.vec.Clone())
	listeners := d.onChange
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	d.notify(listeners, []Change{{Container: container, Kind: crdt.KindMap}})
	return update, nil
}

// InsertText 在可见位置 index 处插入字符串，返回出站更新编码。
func (d *Document) InsertText(container string, index int, text string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}

	d.mu.Lock()
	c, err := d.containerLocked(container, crdt.KindText)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	txt := c.(*crdt.Text)

	anchor, err := txt.AnchorAt(index)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}

	entries := make([]logEntry, 0, len(text))
	for _, r := range text {
		op := crdt.OpTextInsert{ID: crdt.VertexID(d.clock.Now(), d.actor), Origin: anchor, Rune: r}
		if err := txt.Apply(op); err != nil {
			d.mu.Unlock()
			return nil, err
		}
		entry, err := d.commitLocked(container, crdt.KindText, op)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		entries = append(entries, entry)
		anchor = op.ID
	}

	update, err := encodeUpdate(entries, d.vec.Clone())
	listeners := d.onChange
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	d.notify(listeners, []Change{{Container: container, Kind: crdt.KindText}})
	return update, nil
}

// DeleteText 删除可见区间 [from, from+n)，返回出站更新编码。
func (d *Document) DeleteText(container string, from, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}

	d.mu.Lock()
	c, err := d.containerLocked(container, crdt.KindText)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	txt := c.(*crdt.Text)

	ids, err := txt.IDRange(from, n)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}

	entries := make([]logEntry, 0, len(ids))
	for _, id := range ids {
		op := crdt.OpTextDelete{ID: id, Clock: d.clock.Now()}
		if err := txt.Apply(op); err != nil {
			d.mu.Unlock()
			return nil, err
		}
		entry, err := d.commitLocked(container, crdt.KindText, op)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		entries = append(entries, entry)
	}

	update, err := encodeUpdate(entries, d.vec.Clone())
	listeners := d.onChange
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	d.notify(listeners, []Change{{Container: container, Kind: crdt.KindText}})
	return update, nil
}

// UpsertRecord 插入或整条替换一条记录，返回出站更新编码。
func (d *Document) UpsertRecord(container, recordID string, fields map[string]any) ([]byte, error) {
	if recordID == "" {
		return nil, fmt.Errorf("记录 ID 不能为空")
	}

	d.mu.Lock()
	c, err := d.containerLocked(container, crdt.KindRecords)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	op := crdt.OpRecordUpsert{ID: recordID, Fields: fields, Clock: d.clock.Now(), Actor: d.actor}
	if err := c.Apply(op); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	entry, err := d.commitLocked(container, crdt.KindRecords, op)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	update, err := encodeUpdate([]logEntry{entry}, d.vec.Clone())
	listeners := d.onChange
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	d.notify(listeners, []Change{{Container: container, Kind: crdt.KindRecords}})
	return update, nil
}

// DeleteRecord 删除一条记录，返回出站更新编码。
func (d *Document) DeleteRecord(container, recordID string) ([]byte, error) {
	if recordID == "" {
		return nil, fmt.Errorf("记录 ID 不能为空")
	}

	d.mu.Lock()
	c, err := d.containerLocked(container, crdt.KindRecords)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	op := crdt.OpRecordDelete{ID: recordID, Clock: d.clock.Now(), Actor: d.actor}
	if err := c.Apply(op); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	entry, err := d.commitLocked(container, crdt.KindRecords, op)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	update, err := encodeUpdate([]logEntry{entry}, d.vec.Clone())
	listeners := d.onChange
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	d.notify(listeners, []Change{{Container: container, Kind: crdt.KindRecords}})
	return update, nil
}

// CollectGarbage 物理回收时间戳早于 safeBefore 的墓碑。
// evidence 为 false（调用方没有全体存活副本都已越过该时间点的证据）时不做任何事，
// 墓碑无限期保留——单个会话的文档足够小，这是可接受的。
func (d *Document) CollectGarbage(safeBefore int64, evidence bool) int {
	if !evidence {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for _, c := range d.containers {
		total += c.GC(safeBefore)
	}
	return total
}
