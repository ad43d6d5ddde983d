package transport

// Status 是同步连接的状态。
//
// Synced 是 Connected 的子状态：仅在完成一轮状态调和握手
// （本地版本向量已发出、服务器缺失操作已收到并应用）之后进入。
// 消费者应以 Synced 而非连接建立作为“文档可放心编辑”的信号。
type Status int32

const (
	StatusDisconnected Status = iota // 未连接
	StatusConnecting                 // 拨号/重连中
	StatusConnected                  // 连接已建立，调和未完成
	StatusSynced                     // 调和完成
)

// String 返回可读状态字符串。
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSynced:
		return "synced"
	default:
		return "unknown"
	}
}
