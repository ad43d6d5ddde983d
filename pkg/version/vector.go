package version

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Vector 是版本向量：actor ID -> 已观察到的该 actor 最大连续序号。
// 每个副本用它判断远端缺失哪些操作，以及墓碑回收是否安全。
type Vector map[string]uint64

// New 创建一个空的版本向量。
func New() Vector {
	return make(Vector)
}

// Get 返回某 actor 的已观察序号，未知 actor 为 0。
func (v Vector) Get(actor string) uint64 {
	return v[actor]
}

// Inc 为本地 actor 分配下一个序号并返回。
func (v Vector) Inc(actor string) uint64 {
	v[actor]++
	return v[actor]
}

// Observe 记录已看到某 actor 的序号。序号只增不减。
func (v Vector) Observe(actor string, seq uint64) {
	if seq > v[actor] {
		v[actor] = seq
	}
}

// Merge 将另一个向量合并进来，逐项取最大值。
func (v Vector) Merge(other Vector) {
	for actor, seq := range other {
		if seq > v[actor] {
			v[actor] = seq
		}
	}
}

// Dominates 报告 v 是否覆盖 other 的全部观察 (v >= other)。
func (v Vector) Dominates(other Vector) bool {
	for actor, seq := range other {
		if v[actor] < seq {
			return false
		}
	}
	return true
}

// Concurrent 报告两个向量是否互不覆盖（存在并发操作）。
func (v Vector) Concurrent(other Vector) bool {
	return !v.Dominates(other) && !other.Dominates(v)
}

// Clone 返回向量的深拷贝。
func (v Vector) Clone() Vector {
	c := make(Vector, len(v))
	for actor, seq := range v {
		c[actor] = seq
	}
	return c
}

// Floor 返回所有给定 actor 的最小观察序号。
// 用于墓碑 GC：只有所有存活 actor 都已越过某版本，该版本之前的墓碑才可以物理删除。
// actors 为空时返回 0（没有证据，不允许 GC）。
func (v Vector) Floor(actors []string) uint64 {
	if len(actors) == 0 {
		return 0
	}
	min := ^uint64(0)
	for _, actor := range actors {
		seq := v[actor]
		if seq < min {
			min = seq
		}
	}
	return min
}

// Bytes 将向量序列化为 msgpack 字节。
func (v Vector) Bytes() ([]byte, error) {
	return msgpack.Marshal(map[string]uint64(v))
}

// FromBytes 反序列化版本向量。
func FromBytes(data []byte) (Vector, error) {
	var m map[string]uint64
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]uint64)
	}
	return Vector(m), nil
}
