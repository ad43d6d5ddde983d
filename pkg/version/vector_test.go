package version

import "testing"

func TestVector_IncAndGet(t *testing.T) {
	v := New()
	if v.Get("a") != 0 {
		t.Fatal("未知 actor 的序号应为 0")
	}
	if v.Inc("a") != 1 {
		t.Fatal("首次 Inc 应返回 1")
	}
	if v.Inc("a") != 2 {
		t.Fatal("第二次 Inc 应返回 2")
	}
}

func TestVector_ObserveNeverRegresses(t *testing.T) {
	v := New()
	v.Observe("a", 5)
	v.Observe("a", 3)
	if v.Get("a") != 5 {
		t.Fatalf("序号不应回退: got %d", v.Get("a"))
	}
}

func TestVector_MergeAndDominates(t *testing.T) {
	a := Vector{"x": 3, "y": 1}
	b := Vector{"x": 2, "y": 4}

	if a.Dominates(b) || b.Dominates(a) {
		t.Fatal("a 和 b 应互不覆盖")
	}
	if !a.Concurrent(b) {
		t.Fatal("a 和 b 应为并发")
	}

	a.Merge(b)
	if a["x"] != 3 || a["y"] != 4 {
		t.Fatalf("合并应逐项取最大值: %v", a)
	}
	if !a.Dominates(b) {
		t.Fatal("合并后 a 应覆盖 b")
	}
}

func TestVector_Floor(t *testing.T) {
	v := Vector{"a": 10, "b": 4, "c": 7}
	if got := v.Floor([]string{"a", "b", "c"}); got != 4 {
		t.Fatalf("Floor 应为所有 actor 的最小序号: got %d", got)
	}
	if got := v.Floor(nil); got != 0 {
		t.Fatalf("没有 actor 证据时 Floor 应为 0: got %d", got)
	}
	// 未知 actor 视为 0
	if got := v.Floor([]string{"a", "z"}); got != 0 {
		t.Fatalf("含未知 actor 时 Floor 应为 0: got %d", got)
	}
}

func TestVector_BytesRoundTrip(t *testing.T) {
	v := Vector{"a": 3, "b": 9}
	data, err := v.Bytes()
	if err != nil {
		t.Fatalf("序列化失败: %v", err)
	}
	got, err := FromBytes(data)
	if err != nil {
		t.Fatalf("反序列化失败: %v", err)
	}
	if got["a"] != 3 || got["b"] != 9 || len(got) != 2 {
		t.Fatalf("往返结果不一致: %v", got)
	}
}
