package crdt

import (
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// RecordSet 实现记录 ID 到记录的集合容器（画布图形、视图对象等）。
// 更新是整条记录替换，按 (时钟, actor) 标签最后写入胜出；
// 删除写入墓碑：因果上早于删除的更新到达后不会使记录复活。
type RecordSet struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// Record 是集合中的一条记录。
type Record struct {
	ID        string
	Fields    map[string]any
	Clock     int64
	Actor     string
	Deleted   bool
	DeletedAt int64
}

// NewRecordSet 创建一个空记录集合。
func NewRecordSet() *RecordSet {
	return &RecordSet{records: make(map[string]*Record)}
}

func (s *RecordSet) Kind() Kind { return KindRecords }

// OpRecordUpsert 插入或整条替换一条记录。
type OpRecordUpsert struct {
	ID     string
	Fields map[string]any
	Clock  int64
	Actor  string
}

func (op OpRecordUpsert) Kind() Kind { return KindRecords }

// OpRecordDelete 删除一条记录（写入墓碑）。
type OpRecordDelete struct {
	ID    string
	Clock int64
	Actor string
}

func (op OpRecordDelete) Kind() Kind { return KindRecords }

func (s *RecordSet) Apply(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch o := op.(type) {
	case OpRecordUpsert:
		if o.ID == "" {
			return ErrInvalidOp
		}
		s.put(&Record{ID: o.ID, Fields: o.Fields, Clock: o.Clock, Actor: o.Actor})
	case OpRecordDelete:
		if o.ID == "" {
			return ErrInvalidOp
		}
		s.put(&Record{ID: o.ID, Clock: o.Clock, Actor: o.Actor, Deleted: true, DeletedAt: o.Clock})
	default:
		return ErrInvalidOp
	}
	return nil
}

// put 仅在新标签胜过现有标签时替换整条记录。
// 墓碑同样参与标签比较：过期更新的标签必然小于墓碑标签，不会复活记录；
// 观察过删除之后的重新创建标签更大，允许合法复建。
func (s *RecordSet) put(r *Record) {
	cur, ok := s.records[r.ID]
	if ok {
		newTag := Tag{Clock: r.Clock, Actor: r.Actor}
		curTag := Tag{Clock: cur.Clock, Actor: cur.Actor}
		if !newTag.After(curTag) {
			return
		}
	}
	s.records[r.ID] = r
}

// Get 返回一条存活记录的字段拷贝。
func (s *RecordSet) Get(id string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok || r.Deleted {
		return nil, false
	}
	return copyFields(r.Fields), true
}

// Value 返回所有存活记录，记录 ID -> 字段拷贝。
func (s *RecordSet) Value() any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make(map[string]map[string]any, len(s.records))
	for id, r := range s.records {
		if !r.Deleted {
			res[id] = copyFields(r.Fields)
		}
	}
	return res
}

// Len 返回存活记录数量。
func (s *RecordSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.records {
		if !r.Deleted {
			n++
		}
	}
	return n
}

func (s *RecordSet) Merge(other Container) error {
	o, ok := other.(*RecordSet)
	if !ok {
		return ErrInvalidOp
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range o.records {
		s.put(&Record{
			ID:        r.ID,
			Fields:    copyFields(r.Fields),
			Clock:     r.Clock,
			Actor:     r.Actor,
			Deleted:   r.Deleted,
			DeletedAt: r.DeletedAt,
		})
	}
	return nil
}

func (s *RecordSet) GC(safeBefore int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, r := range s.records {
		if r.Deleted && r.DeletedAt > 0 && r.DeletedAt < safeBefore {
			delete(s.records, id)
			count++
		}
	}
	return count
}

func (s *RecordSet) Bytes() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return msgpack.Marshal(s.records)
}

// LoadRecordSet 从序列化状态恢复记录集合。
func LoadRecordSet(data []byte) (*RecordSet, error) {
	records := make(map[string]*Record)
	if len(data) > 0 {
		if err := msgpack.Unmarshal(data, &records); err != nil {
			return nil, &DecodeError{Reason: "RecordSet 状态", Err: err}
		}
	}
	if records == nil {
		records = make(map[string]*Record)
	}
	return &RecordSet{records: records}, nil
}

func copyFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	c := make(map[string]any, len(fields))
	for k, v := range fields {
		c[k] = v
	}
	return c
}
