package hlc

import (
	"sync"
	"time"
)

// Clock 是混合逻辑时钟，为每次本地变更生成严格单调递增的时间戳。
// 时间戳打包为 int64：
//   - 高 48 位：物理时间 (毫秒，Unix Epoch 起)。
//   - 低 16 位：逻辑计数器，物理时间相同时递增。
type Clock struct {
	mu     sync.Mutex
	latest int64
}

const (
	logicalMask = 0xFFFF
	logicalBits = 16
)

// New 创建一个新的混合逻辑时钟。
func New() *Clock {
	return &Clock{}
}

// Now 返回下一个时间戳。
// 返回值严格大于此前任何 Now 的返回值以及任何 Observe 过的远程时间戳。
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := time.Now().UnixMilli()
	oldPhys := c.latest >> logicalBits
	oldLogical := c.latest & logicalMask

	var newPhys, newLogical int64
	if phys > oldPhys {
		newPhys = phys
		newLogical = 0
	} else {
		// 物理时间停滞或回退：推进逻辑计数
		newPhys = oldPhys
		newLogical = oldLogical + 1
	}

	// 逻辑计数溢出时向物理位借位
	if newLogical > logicalMask {
		newPhys++
		newLogical = 0
	}

	c.latest = (newPhys << logicalBits) | newLogical
	return c.latest
}

// Observe 将收到的远程时间戳合并进本地时钟，
// 保证后续 Now 产生的时间戳不会落在远程事件之前。
func (c *Clock) Observe(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote > c.latest {
		c.latest = remote
	}
}

// Last 返回最近一次生成或观察到的时间戳，不推进时钟。
func (c *Clock) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Physical 返回时间戳的物理部分 (Unix 毫秒)。
func Physical(ts int64) int64 {
	return ts >> logicalBits
}

// Logical 返回时间戳的逻辑部分。
func Logical(ts int64) int64 {
	return ts & logicalMask
}

// Pack 将物理毫秒和逻辑计数打包为一个时间戳。
func Pack(physMillis, logical int64) int64 {
	return (physMillis << logicalBits) | (logical & logicalMask)
}
