package crdt

import (
	"errors"
	"fmt"
)

// Kind 标识容器类型。
type Kind byte

const (
	KindMap     Kind = 0x01 // 键值 LWW 映射
	KindText    Kind = 0x02 // 可合并文本序列
	KindRecords Kind = 0x03 // 记录集合 (记录 ID -> 记录)
)

// String 返回容器类型的可读名称。
func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindText:
		return "text"
	case KindRecords:
		return "records"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

var (
	// ErrInvalidOp 表示操作与容器类型不匹配或载荷非法。
	ErrInvalidOp = errors.New("此容器类型的操作无效")
	// ErrUnknownAnchor 表示文本插入操作引用了尚未到达的锚点。
	// 调用方应暂存该操作，待锚点到达后重试。
	ErrUnknownAnchor = errors.New("插入锚点未知")
)

// DecodeError 表示入站编码损坏或无法识别。
// 携带此错误返回时容器状态保证未被改动。
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("解码失败: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("解码失败: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError 报告 err 是否为（或包装了）DecodeError。
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Op 代表对某个容器的一次操作。
type Op interface {
	Kind() Kind
}

// Container 是所有复制容器的通用接口。
//
// 两个副本只要观察到同一组操作，无论到达顺序如何，
// Value 必须收敛到相同内容；Apply 对重复操作必须幂等。
type Container interface {
	// Kind 返回容器类型。
	Kind() Kind

	// Value 返回面向消费者的当前值。
	Value() any

	// Apply 将一个操作（本地或远程产生）应用到容器。
	Apply(op Op) error

	// Merge 将另一个同类型容器的完整状态合并进来。
	Merge(other Container) error

	// GC 物理删除时间戳早于 safeBefore 的墓碑，返回清理数量。
	// safeBefore 必须由调用方依据全体存活副本的进度推导，否则不得调用。
	GC(safeBefore int64) int

	// Bytes 将容器完整状态序列化。
	Bytes() ([]byte, error)
}

// New 按类型创建一个空容器。
func New(kind Kind) (Container, error) {
	switch kind {
	case KindMap:
		return NewLWWMap(), nil
	case KindText:
		return NewText(), nil
	case KindRecords:
		return NewRecordSet(), nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("未知容器类型 0x%02x", byte(kind))}
	}
}

// Load 从序列化状态恢复容器。
func Load(kind Kind, data []byte) (Container, error) {
	switch kind {
	case KindMap:
		return LoadLWWMap(data)
	case KindText:
		return LoadText(data)
	case KindRecords:
		return LoadRecordSet(data)
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("未知容器类型 0x%02x", byte(kind))}
	}
}
