package relay

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ti777777/notepia-sub002/pkg/doc"
	"github.com/ti777777/notepia-sub002/pkg/store"
	"github.com/ti777777/notepia-sub002/pkg/transport"
	"github.com/ti777777/notepia-sub002/pkg/version"
)

// hub 是一个文档的服务端：权威副本加上当前连接的客户端集合。
// hub 按规范文档身份建立，公开只读与普通连接混在同一集合里。
type hub struct {
	id    doc.ID
	doc   *doc.Document
	saver *store.Saver

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn     *websocket.Conn
	readOnly bool

	mu     sync.Mutex
	closed bool
	send   chan []byte
	actors map[string]struct{} // 本连接宣告过的在场 actor
}

func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// 慢客户端：丢帧。缺失的操作由下一轮调和补齐。
		log.Printf("relay: 客户端发送队列已满, 丢弃一帧")
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// serve 在调用方的 goroutine 中处理一条连接直到其断开。
func (h *hub) serve(conn *websocket.Conn, readOnly bool) {
	c := &client{
		conn:     conn,
		readOnly: readOnly,
		send:     make(chan []byte, 64),
		actors:   make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	h.readLoop(c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	// 断开立即向其余客户端宣告离场，不必等各端心跳超时
	h.broadcastLeave(c)

	c.close()
	conn.Close()
}

func (c *client) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
}

func (h *hub) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := transport.DecodeFrame(data)
		if err != nil {
			log.Printf("relay: 丢弃损坏帧: %v", err)
			continue
		}

		switch frame.Type {
		case transport.FrameSyncRequest:
			h.answerSync(c, version.Vector(frame.Vector))

		case transport.FrameUpdate:
			if c.readOnly {
				// 公开只读连接：客户端更新丢弃
				continue
			}
			if _, err := h.doc.ApplyUpdate(frame.Update); err != nil {
				log.Printf("relay: 丢弃损坏更新: %v", err)
				continue
			}
			h.broadcast(c, data)

		case transport.FrameAwareness:
			// 在场帧不进文档，原样转发给其余客户端
			c.noteActors(frame.Presence)
			h.broadcast(c, data)
		}
	}
}

// noteActors 记录连接宣告过的 actor，断开时据此广播离场。
func (c *client) noteActors(entries []transport.PresenceEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if e.Actor == "" {
			continue
		}
		if e.Left {
			delete(c.actors, e.Actor)
			continue
		}
		c.actors[e.Actor] = struct{}{}
	}
}

// broadcastLeave 把断开连接宣告过的 actor 以离场条目通知其余客户端。
// 各端的心跳超时修剪仍然兜底（比如中继自身崩溃时）。
func (h *hub) broadcastLeave(c *client) {
	c.mu.Lock()
	entries := make([]transport.PresenceEntry, 0, len(c.actors))
	for actor := range c.actors {
		entries = append(entries, transport.PresenceEntry{Actor: actor, Left: true})
	}
	c.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	data, err := transport.EncodeFrame(&transport.Frame{
		Type:     transport.FrameAwareness,
		Presence: entries,
	})
	if err != nil {
		log.Printf("relay: 离场帧编码失败: %v", err)
		return
	}
	h.broadcast(c, data)
}

// answerSync 用权威副本中对方缺失的操作应答调和请求。
func (h *hub) answerSync(c *client, remote version.Vector) {
	update, err := h.doc.EncodeUpdateSince(remote)
	if err != nil {
		log.Printf("relay: 补发编码失败: %v", err)
		return
	}
	data, err := transport.EncodeFrame(&transport.Frame{
		Type:   transport.FrameSyncResponse,
		Update: update,
		Vector: h.doc.StateVector(),
	})
	if err != nil {
		log.Printf("relay: 应答编码失败: %v", err)
		return
	}
	c.enqueue(data)
}

// broadcast 把一帧转发给 from 之外的所有客户端。
func (h *hub) broadcast(from *client, data []byte) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

func (h *hub) stop() {
	if h.saver != nil {
		h.saver.Stop()
	}
}
