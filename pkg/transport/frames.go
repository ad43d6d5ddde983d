package transport

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ti777777/notepia-sub002/pkg/crdt"
)

// 帧类型。
const (
	FrameSyncRequest  byte = 0x01 // 携带发送方版本向量，请求补发缺失操作
	FrameSyncResponse byte = 0x02 // 应答：缺失操作 + 应答方版本向量
	FrameUpdate       byte = 0x03 // 增量更新广播
	FrameAwareness    byte = 0x04 // 在场心跳
)

// Frame 是同步连接上的统一消息，按类型取用字段。
type Frame struct {
	Type     byte              `msgpack:"t"`
	Vector   map[string]uint64 `msgpack:"v,omitempty"`
	Update   []byte            `msgpack:"u,omitempty"`
	Presence []PresenceEntry   `msgpack:"p,omitempty"`
}

// PresenceEntry 是一个已连接 actor 的临时在场信息。
// 生命周期严格跟随连接：断开或心跳超时即移除，从不持久化。
// Left 标记离场：中继在连接断开时广播，收到方立即移除该 actor。
type PresenceEntry struct {
	Actor  string  `msgpack:"a"`
	Name   string  `msgpack:"n,omitempty"`
	Cursor *Cursor `msgpack:"c,omitempty"`
	Left   bool    `msgpack:"l,omitempty"`
}

// Cursor 是可选的光标/选区位置。
type Cursor struct {
	Container string `msgpack:"c"`
	From      int    `msgpack:"f"`
	To        int    `msgpack:"t"`
}

// EncodeFrame 序列化一个帧。
func EncodeFrame(f *Frame) ([]byte, error) {
	return msgpack.Marshal(f)
}

// DecodeFrame 反序列化并校验一个帧。损坏或类型未知返回 DecodeError。
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, &crdt.DecodeError{Reason: "同步帧", Err: err}
	}
	switch f.Type {
	case FrameSyncRequest, FrameSyncResponse, FrameUpdate, FrameAwareness:
		return &f, nil
	default:
		return nil, &crdt.DecodeError{Reason: fmt.Sprintf("未知帧类型 0x%02x", f.Type)}
	}
}
