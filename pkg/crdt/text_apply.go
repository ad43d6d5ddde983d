package crdt

import "sort"

// OpTextInsert 在锚点之后插入一个字符。
// ID 由发起方按 VertexID(时钟, actor) 生成，全局唯一且可排序。
type OpTextInsert struct {
	ID     string
	Origin string
	Rune   rune
}

func (op OpTextInsert) Kind() Kind { return KindText }

// OpTextDelete 删除一个字符（写入墓碑）。
type OpTextDelete struct {
	ID    string
	Clock int64
}

func (op OpTextDelete) Kind() Kind { return KindText }

func (t *Text) Apply(op Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch o := op.(type) {
	case OpTextInsert:
		if o.ID == "" || o.Origin == "" {
			return ErrInvalidOp
		}
		if _, exists := t.verts[o.ID]; exists {
			// 重复投递，幂等
			return nil
		}
		if _, ok := t.verts[o.Origin]; !ok {
			return ErrUnknownAnchor
		}
		t.integrate(&TextVertex{ID: o.ID, Rune: o.Rune, Origin: o.Origin})

	case OpTextDelete:
		v, ok := t.verts[o.ID]
		if !ok {
			return ErrUnknownAnchor
		}
		if !v.Deleted {
			v.Deleted = true
			v.DeletedAt = o.Clock
		} else if v.DeletedAt == 0 || (o.Clock > 0 && o.Clock < v.DeletedAt) {
			// 多方并发删除同一字符：统一取最早的删除时间，保证 GC 判定一致
			v.DeletedAt = o.Clock
		}

	default:
		return ErrInvalidOp
	}
	return nil
}

// ensureEdges 重建 origin -> 子顶点缓存（反序列化后首次使用时）。
func (t *Text) ensureEdges() {
	if len(t.edges) > 0 || len(t.verts) <= 1 {
		return
	}
	for _, v := range t.verts {
		if v.ID == HeadID {
			continue
		}
		t.edges[v.Origin] = append(t.edges[v.Origin], v.ID)
	}
	for _, children := range t.edges {
		sort.Sort(sort.Reverse(sort.StringSlice(children)))
	}
}

// integrate 将新顶点放入树和链中。调用方必须持有写锁并保证锚点存在。
//
// 同一锚点下的兄弟按 ID 降序排列；新顶点排在第 0 位时直接接在锚点之后，
// 否则接在前一个兄弟子树最右端之后。该规则只依赖顶点集合本身，
// 与操作到达顺序无关，因而所有副本收敛到同一序列。
func (t *Text) integrate(v *TextVertex) {
	t.ensureEdges()
	t.verts[v.ID] = v

	siblings := t.edges[v.Origin]
	rank := sort.Search(len(siblings), func(i int) bool {
		return v.ID > siblings[i]
	})
	siblings = append(siblings, "")
	copy(siblings[rank+1:], siblings[rank:])
	siblings[rank] = v.ID
	t.edges[v.Origin] = siblings

	var afterID string
	if rank == 0 {
		afterID = v.Origin
	} else {
		afterID = t.rightmost(siblings[rank-1])
	}

	after := t.verts[afterID]
	v.Next = after.Next
	after.Next = v.ID
}

// rightmost 返回以 id 为根的子树中序列上最靠右的顶点 ID。
func (t *Text) rightmost(id string) string {
	for {
		children := t.edges[id]
		if len(children) == 0 {
			return id
		}
		id = children[len(children)-1]
	}
}
