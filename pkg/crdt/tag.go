package crdt

// Tag 是 (逻辑时钟, actor ID) 写标签。
// 并发写入以标签的字典序决出胜者，所有副本得到同一结果。
type Tag struct {
	Clock int64
	Actor string
}

// Compare 返回 -1/0/1，先比时钟，再比 actor ID。
func (t Tag) Compare(other Tag) int {
	if t.Clock != other.Clock {
		if t.Clock < other.Clock {
			return -1
		}
		return 1
	}
	if t.Actor != other.Actor {
		if t.Actor < other.Actor {
			return -1
		}
		return 1
	}
	return 0
}

// After 报告 t 是否胜过 other。
func (t Tag) After(other Tag) bool {
	return t.Compare(other) > 0
}
