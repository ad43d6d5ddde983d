package crdt

import (
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// HeadID 是文本序列虚拟头节点的固定 ID。
// 所有副本使用同一个头节点 ID，合并时无需重映射。
const HeadID = "~head"

// Text 实现可合并的字符序列 (RGA 变体)。
// 每个字符是一个顶点，锚定在其插入位置左侧的顶点上；
// 同一锚点下的并发插入按 (时钟, actor) 降序排列，保证所有副本收敛到同一顺序。
type Text struct {
	mu    sync.RWMutex
	verts map[string]*TextVertex

	// origin ID -> 子顶点 ID 列表（按 ID 降序）。惰性构建的缓存。
	edges map[string][]string
}

// TextVertex 是序列中的一个字符。
// ID 格式为 "<16位十六进制时钟>@<actor>"，其字典序即 (时钟, actor) 序。
type TextVertex struct {
	ID        string
	Rune      rune
	Origin    string // 左侧锚点顶点的 ID
	Next      string // 链上的下一个顶点 ID（派生缓存）
	Deleted   bool
	DeletedAt int64
}

// VertexID 由写标签构造顶点 ID。
// 时钟取 16 位十六进制定宽，ID 的字符串比较等价于标签比较。
func VertexID(clock int64, actor string) string {
	return fmt.Sprintf("%016x@%s", uint64(clock), actor)
}

// ParseVertexID 从顶点 ID 还原写标签，格式不符时 ok 为 false。
func ParseVertexID(id string) (clock int64, actor string, ok bool) {
	if len(id) < 18 || id[16] != '@' {
		return 0, "", false
	}
	var c uint64
	if _, err := fmt.Sscanf(id[:16], "%016x", &c); err != nil {
		return 0, "", false
	}
	return int64(c), id[17:], true
}

// NewText 创建一个空文本序列。
func NewText() *Text {
	head := &TextVertex{ID: HeadID, Deleted: true}
	return &Text{
		verts: map[string]*TextVertex{HeadID: head},
		edges: make(map[string][]string),
	}
}

func (t *Text) Kind() Kind { return KindText }

// Value 按顺序返回可见字符组成的字符串。
func (t *Text) Value() any {
	return t.String()
}

// String 返回当前文本内容。
func (t *Text) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	runes := make([]rune, 0, len(t.verts)-1)
	for id := HeadID; id != ""; {
		v := t.verts[id]
		if v == nil {
			break
		}
		if !v.Deleted {
			runes = append(runes, v.Rune)
		}
		id = v.Next
	}
	return string(runes)
}

// Len 返回可见字符数。
func (t *Text) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for id := HeadID; id != ""; {
		v := t.verts[id]
		if v == nil {
			break
		}
		if !v.Deleted {
			n++
		}
		id = v.Next
	}
	return n
}

// AnchorAt 返回可见位置 index 处插入所需的锚点顶点 ID。
// index 为 0 时锚定在头节点；index 等于当前长度时锚定在最后一个可见字符。
func (t *Text) AnchorAt(index int) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("%w: 插入位置 %d 非法", ErrInvalidOp, index)
	}
	if index == 0 {
		return HeadID, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := 0
	for id := HeadID; id != ""; {
		v := t.verts[id]
		if v == nil {
			break
		}
		if !v.Deleted {
			seen++
			if seen == index {
				return v.ID, nil
			}
		}
		id = v.Next
	}
	return "", fmt.Errorf("%w: 插入位置 %d 超出长度 %d", ErrInvalidOp, index, seen)
}

// IDRange 返回可见区间 [from, from+n) 内字符的顶点 ID。
func (t *Text) IDRange(from, n int) ([]string, error) {
	if from < 0 || n < 0 {
		return nil, fmt.Errorf("%w: 删除区间 [%d, %d) 非法", ErrInvalidOp, from, from+n)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, n)
	seen := 0
	for id := HeadID; id != "" && len(ids) < n; {
		v := t.verts[id]
		if v == nil {
			break
		}
		if !v.Deleted {
			if seen >= from {
				ids = append(ids, v.ID)
			}
			seen++
		}
		id = v.Next
	}
	if len(ids) != n {
		return nil, fmt.Errorf("%w: 删除区间 [%d, %d) 超出长度", ErrInvalidOp, from, from+n)
	}
	return ids, nil
}

// Bytes 序列化完整状态（包含墓碑）。
func (t *Text) Bytes() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return msgpack.Marshal(t.verts)
}

// LoadText 从序列化状态恢复文本序列。
func LoadText(data []byte) (*Text, error) {
	verts := make(map[string]*TextVertex)
	if len(data) > 0 {
		if err := msgpack.Unmarshal(data, &verts); err != nil {
			return nil, &DecodeError{Reason: "Text 状态", Err: err}
		}
	}
	if _, ok := verts[HeadID]; !ok {
		verts[HeadID] = &TextVertex{ID: HeadID, Deleted: true}
	}
	return &Text{verts: verts, edges: make(map[string][]string)}, nil
}
