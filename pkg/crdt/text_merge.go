package crdt

// Merge 将另一个文本序列的完整状态合并进来。
// 缺失的顶点按与 Apply 相同的放置规则逐个整合；
// 先整合锚点已就位的顶点，循环直到没有进展（孤儿顶点极少见，保留待下次合并）。
func (t *Text) Merge(other Container) error {
	o, ok := other.(*Text)
	if !ok {
		return ErrInvalidOp
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ensureEdges()

	var missing []*TextVertex
	for id, remote := range o.verts {
		if id == HeadID {
			continue
		}
		if local, exists := t.verts[id]; exists {
			// 墓碑状态向前传播；删除时间取最早值
			if remote.Deleted {
				if !local.Deleted {
					local.Deleted = true
					local.DeletedAt = remote.DeletedAt
				} else if local.DeletedAt == 0 || (remote.DeletedAt > 0 && remote.DeletedAt < local.DeletedAt) {
					local.DeletedAt = remote.DeletedAt
				}
			}
			continue
		}
		missing = append(missing, remote)
	}

	for len(missing) > 0 {
		progressed := false
		rest := missing[:0]
		for _, remote := range missing {
			if _, ok := t.verts[remote.Origin]; !ok {
				rest = append(rest, remote)
				continue
			}
			t.integrate(&TextVertex{
				ID:        remote.ID,
				Rune:      remote.Rune,
				Origin:    remote.Origin,
				Deleted:   remote.Deleted,
				DeletedAt: remote.DeletedAt,
			})
			progressed = true
		}
		if !progressed {
			break
		}
		missing = rest
	}

	return nil
}

// GC 物理删除可安全回收的墓碑。
// 仅回收没有子顶点的墓碑：仍被用作锚点的墓碑必须保留，
// 否则晚到的插入会找不到位置。
func (t *Text) GC(safeBefore int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ensureEdges()

	count := 0
	prevID := HeadID
	currID := t.verts[HeadID].Next

	for currID != "" {
		v := t.verts[currID]
		nextID := v.Next

		isLeaf := len(t.edges[v.ID]) == 0
		if v.Deleted && v.DeletedAt > 0 && v.DeletedAt < safeBefore && isLeaf {
			t.verts[prevID].Next = nextID
			delete(t.verts, currID)
			t.dropChild(v.Origin, currID)
			count++
		} else {
			prevID = currID
		}
		currID = nextID
	}
	return count
}

func (t *Text) dropChild(origin, id string) {
	children := t.edges[origin]
	kept := children[:0]
	for _, c := range children {
		if c != id {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(t.edges, origin)
	} else {
		t.edges[origin] = kept
	}
}
