package crdt

import "testing"

func TestRecordSet_UpsertAndGet(t *testing.T) {
	s := NewRecordSet()
	err := s.Apply(OpRecordUpsert{
		ID:     "rec-1",
		Fields: map[string]any{"type": "marker", "lat": "31.2"},
		Clock:  5, Actor: "a",
	})
	if err != nil {
		t.Fatalf("Apply 失败: %v", err)
	}
	fields, ok := s.Get("rec-1")
	if !ok || fields["type"] != "marker" {
		t.Fatalf("记录读取失败: %v (ok=%v)", fields, ok)
	}
}

func TestRecordSet_UpsertIsWholeRecordReplace(t *testing.T) {
	s := NewRecordSet()
	s.Apply(OpRecordUpsert{ID: "r", Fields: map[string]any{"a": "1", "b": "2"}, Clock: 5, Actor: "a"})
	s.Apply(OpRecordUpsert{ID: "r", Fields: map[string]any{"c": "3"}, Clock: 9, Actor: "a"})

	fields, _ := s.Get("r")
	if _, has := fields["a"]; has {
		t.Fatal("更新应整条替换而非合并字段")
	}
	if fields["c"] != "3" {
		t.Fatalf("新字段缺失: %v", fields)
	}
}

func TestRecordSet_DeleteBlocksStaleUpdate(t *testing.T) {
	s := NewRecordSet()
	s.Apply(OpRecordUpsert{ID: "r", Fields: map[string]any{"v": "1"}, Clock: 3, Actor: "a"})
	s.Apply(OpRecordDelete{ID: "r", Clock: 8, Actor: "a"})

	// 因果上早于删除的更新晚到，不得复活记录
	s.Apply(OpRecordUpsert{ID: "r", Fields: map[string]any{"v": "stale"}, Clock: 5, Actor: "b"})
	if _, ok := s.Get("r"); ok {
		t.Fatal("过期更新不应复活已删除记录")
	}

	// 观察过删除之后的重建是合法的
	s.Apply(OpRecordUpsert{ID: "r", Fields: map[string]any{"v": "new"}, Clock: 12, Actor: "b"})
	fields, ok := s.Get("r")
	if !ok || fields["v"] != "new" {
		t.Fatalf("观察过删除的重建应生效: %v (ok=%v)", fields, ok)
	}
}

func TestRecordSet_ApplyIdempotentAndCommutative(t *testing.T) {
	op1 := OpRecordUpsert{ID: "r", Fields: map[string]any{"v": "1"}, Clock: 4, Actor: "a"}
	op2 := OpRecordUpsert{ID: "r", Fields: map[string]any{"v": "2"}, Clock: 4, Actor: "b"}

	s1 := NewRecordSet()
	s1.Apply(op1)
	s1.Apply(op2)
	s1.Apply(op2) // 重复投递

	s2 := NewRecordSet()
	s2.Apply(op2)
	s2.Apply(op1)

	f1, _ := s1.Get("r")
	f2, _ := s2.Get("r")
	if f1["v"] != "2" || f2["v"] != "2" {
		t.Fatalf("并发更新应由 actor ID 较大者在双方胜出: s1=%v s2=%v", f1, f2)
	}
}

func TestRecordSet_MergeConverges(t *testing.T) {
	a := NewRecordSet()
	b := NewRecordSet()
	a.Apply(OpRecordUpsert{ID: "x", Fields: map[string]any{"v": "ax"}, Clock: 2, Actor: "a"})
	b.Apply(OpRecordUpsert{ID: "x", Fields: map[string]any{"v": "bx"}, Clock: 6, Actor: "b"})
	b.Apply(OpRecordDelete{ID: "y", Clock: 4, Actor: "b"})

	a.Merge(b)
	b.Merge(a)

	fa, _ := a.Get("x")
	fb, _ := b.Get("x")
	if fa["v"] != "bx" || fb["v"] != "bx" {
		t.Fatalf("合并未收敛: a=%v b=%v", fa, fb)
	}
}

func TestRecordSet_BytesRoundTrip(t *testing.T) {
	s := NewRecordSet()
	s.Apply(OpRecordUpsert{ID: "r", Fields: map[string]any{"v": "1"}, Clock: 3, Actor: "a"})
	s.Apply(OpRecordDelete{ID: "gone", Clock: 7, Actor: "a"})

	data, err := s.Bytes()
	if err != nil {
		t.Fatalf("序列化失败: %v", err)
	}
	got, err := LoadRecordSet(data)
	if err != nil {
		t.Fatalf("反序列化失败: %v", err)
	}
	if got.Len() != 1 {
		t.Fatalf("往返后存活记录数不一致: %d", got.Len())
	}
	// 墓碑应在往返后继续拦截过期更新
	got.Apply(OpRecordUpsert{ID: "gone", Fields: map[string]any{"v": "x"}, Clock: 5, Actor: "b"})
	if _, ok := got.Get("gone"); ok {
		t.Fatal("往返后的墓碑应拦截过期更新")
	}
}

func TestRecordSet_GC(t *testing.T) {
	s := NewRecordSet()
	s.Apply(OpRecordUpsert{ID: "live", Fields: map[string]any{}, Clock: 10, Actor: "a"})
	s.Apply(OpRecordDelete{ID: "dead", Clock: 3, Actor: "a"})

	if n := s.GC(5); n != 1 {
		t.Fatalf("应回收 1 个墓碑, 实际 %d", n)
	}
	if n := s.GC(5); n != 0 {
		t.Fatalf("重复 GC 不应再回收: %d", n)
	}
	if s.Len() != 1 {
		t.Fatalf("存活记录不应被回收: %d", s.Len())
	}
}
