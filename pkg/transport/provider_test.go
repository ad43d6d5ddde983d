package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ti777777/notepia-sub002/pkg/doc"
	"github.com/ti777777/notepia-sub002/pkg/version"
)

// pipeConn 是测试用的内存连接，关闭任一端两端都失效。
type pipeConn struct {
	in    chan []byte
	out   chan []byte
	done  chan struct{}
	close *sync.Once
}

func newPipe() (client, server *pipeConn) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	client = &pipeConn{in: b2a, out: a2b, done: done, close: once}
	server = &pipeConn{in: a2b, out: b2a, done: done, close: once}
	return
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, errors.New("connection closed")
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return errors.New("connection closed")
	}
}

func (p *pipeConn) Close() error {
	p.close.Do(func() { close(p.done) })
	return nil
}

func (p *pipeConn) readFrame(t *testing.T) *Frame {
	t.Helper()
	data, err := p.ReadMessage()
	require.NoError(t, err)
	f, err := DecodeFrame(data)
	require.NoError(t, err)
	return f
}

func (p *pipeConn) writeFrame(t *testing.T, f *Frame) {
	t.Helper()
	data, err := EncodeFrame(f)
	require.NoError(t, err)
	require.NoError(t, p.WriteMessage(data))
}

func testDocID(t *testing.T) doc.ID {
	t.Helper()
	id := doc.ID{Kind: doc.KindNotes, Entity: "n1", Workspace: "w1"}
	require.NoError(t, id.Validate())
	return id
}

// serveReconcile 在服务端模拟一轮调和：读 SyncRequest，答 SyncResponse，
// 收客户端补发的 Update。穿插到达的在场心跳帧跳过。
func serveReconcile(t *testing.T, server *pipeConn, serverDoc *doc.Document) {
	t.Helper()

	req := server.readFrameOfType(t, FrameSyncRequest)
	missing, err := serverDoc.EncodeUpdateSince(version.Vector(req.Vector))
	require.NoError(t, err)
	server.writeFrame(t, &Frame{
		Type:   FrameSyncResponse,
		Update: missing,
		Vector: serverDoc.StateVector(),
	})

	reply := server.readFrameOfType(t, FrameUpdate)
	_, err = serverDoc.ApplyUpdate(reply.Update)
	require.NoError(t, err)
}

func (p *pipeConn) readFrameOfType(t *testing.T, want byte) *Frame {
	t.Helper()
	for {
		f := p.readFrame(t)
		if f.Type == want {
			return f
		}
		require.Equal(t, FrameAwareness, f.Type, "调和期间只允许穿插在场帧")
	}
}

func TestProvider_HandshakeReachesSynced(t *testing.T) {
	id := testDocID(t)
	clientDoc := doc.New(id, "A")
	serverDoc := doc.New(id, "server")

	_, err := clientDoc.InsertText("body", 0, "hi")
	require.NoError(t, err)
	_, err = serverDoc.SetField("meta", "title", "notes")
	require.NoError(t, err)

	client, server := newPipe()
	aware := NewAwareness(PresenceEntry{Actor: "A", Name: "Alice"}, time.Second)
	p := NewProvider("mem://doc", clientDoc, aware,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return client, nil }),
		WithHeartbeatInterval(time.Hour),
	)
	defer p.Close()

	statusCh := make(chan Status, 16)
	p.OnStatus(func(s Status) { statusCh <- s })

	p.Connect()
	serveReconcile(t, server, serverDoc)

	waitStatus(t, statusCh, StatusSynced)

	// 双向调和后两侧收敛
	require.Eventually(t, func() bool {
		v, _ := clientDoc.Map("meta").Get("title")
		return v == "notes"
	}, time.Second, time.Millisecond)
	require.Equal(t, "hi", serverDoc.Text("body").String())
}

func TestProvider_RemoteUpdateApplied(t *testing.T) {
	id := testDocID(t)
	clientDoc := doc.New(id, "A")
	serverDoc := doc.New(id, "server")

	client, server := newPipe()
	aware := NewAwareness(PresenceEntry{Actor: "A"}, time.Second)
	p := NewProvider("mem://doc", clientDoc, aware,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return client, nil }),
		WithHeartbeatInterval(time.Hour),
	)
	defer p.Close()

	p.Connect()
	serveReconcile(t, server, serverDoc)

	update, err := serverDoc.InsertText("body", 0, "remote")
	require.NoError(t, err)
	server.writeFrame(t, &Frame{Type: FrameUpdate, Update: update})

	require.Eventually(t, func() bool {
		return clientDoc.Text("body").String() == "remote"
	}, time.Second, time.Millisecond)
}

func TestProvider_SendUpdateReachesServer(t *testing.T) {
	id := testDocID(t)
	clientDoc := doc.New(id, "A")
	serverDoc := doc.New(id, "server")

	client, server := newPipe()
	aware := NewAwareness(PresenceEntry{Actor: "A"}, time.Second)
	p := NewProvider("mem://doc", clientDoc, aware,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return client, nil }),
		WithHeartbeatInterval(time.Hour),
	)
	defer p.Close()

	p.Connect()
	serveReconcile(t, server, serverDoc)

	update, err := clientDoc.SetField("meta", "color", "blue")
	require.NoError(t, err)
	p.SendUpdate(update)

	f := server.readFrame(t)
	require.Equal(t, FrameUpdate, f.Type)
	_, err = serverDoc.ApplyUpdate(f.Update)
	require.NoError(t, err)
	color, _ := serverDoc.Map("meta").Get("color")
	require.Equal(t, "blue", color)
}

func TestProvider_ReconnectsWithBackoff(t *testing.T) {
	id := testDocID(t)
	clientDoc := doc.New(id, "A")
	serverDoc := doc.New(id, "server")

	var mu sync.Mutex
	attempts := 0
	var server *pipeConn

	dialer := func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("refused")
		}
		var client *pipeConn
		client, server = newPipe()
		return client, nil
	}

	aware := NewAwareness(PresenceEntry{Actor: "A"}, time.Second)
	p := NewProvider("mem://doc", clientDoc, aware,
		WithDialer(dialer),
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithHeartbeatInterval(time.Hour),
	)
	defer p.Close()

	statusCh := make(chan Status, 64)
	p.OnStatus(func(s Status) { statusCh <- s })

	p.Connect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return server != nil
	}, time.Second, time.Millisecond)

	mu.Lock()
	srv := server
	mu.Unlock()
	serveReconcile(t, srv, serverDoc)
	waitStatus(t, statusCh, StatusSynced)

	mu.Lock()
	require.GreaterOrEqual(t, attempts, 3, "前两次拨号失败后应继续重试")
	mu.Unlock()
}

func TestProvider_HeartbeatCarriesPresence(t *testing.T) {
	id := testDocID(t)
	clientDoc := doc.New(id, "A")
	serverDoc := doc.New(id, "server")

	client, server := newPipe()
	aware := NewAwareness(PresenceEntry{Actor: "A", Name: "Alice"}, 50*time.Millisecond)
	p := NewProvider("mem://doc", clientDoc, aware,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return client, nil }),
		WithHeartbeatInterval(10*time.Millisecond),
	)
	defer p.Close()

	p.Connect()
	serveReconcile(t, server, serverDoc)

	// 收到心跳帧
	var beat *Frame
	for beat == nil {
		f := server.readFrame(t)
		if f.Type == FrameAwareness {
			beat = f
		}
	}
	require.Len(t, beat.Presence, 1)
	require.Equal(t, "A", beat.Presence[0].Actor)
	require.Equal(t, "Alice", beat.Presence[0].Name)

	// 远端在场条目进入集合，心跳停止后被修剪
	server.writeFrame(t, &Frame{Type: FrameAwareness, Presence: []PresenceEntry{{Actor: "B", Name: "Bob"}}})
	require.Eventually(t, func() bool {
		return len(aware.Entries()) == 2
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return len(aware.Entries()) == 1
	}, time.Second, 5*time.Millisecond, "超时的对端应被移除")
}

func TestProvider_DisconnectClearsPresence(t *testing.T) {
	id := testDocID(t)
	clientDoc := doc.New(id, "A")
	serverDoc := doc.New(id, "server")

	client, server := newPipe()
	dialed := false
	var mu sync.Mutex
	dialer := func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if dialed {
			return nil, errors.New("no second connection")
		}
		dialed = true
		return client, nil
	}

	aware := NewAwareness(PresenceEntry{Actor: "A"}, time.Hour)
	p := NewProvider("mem://doc", clientDoc, aware,
		WithDialer(dialer),
		WithBackoff(time.Hour, time.Hour),
		WithHeartbeatInterval(time.Hour),
	)
	defer p.Close()

	p.Connect()
	serveReconcile(t, server, serverDoc)

	server.writeFrame(t, &Frame{Type: FrameAwareness, Presence: []PresenceEntry{{Actor: "B"}}})
	require.Eventually(t, func() bool {
		return len(aware.Entries()) == 2
	}, time.Second, time.Millisecond)

	server.Close()

	require.Eventually(t, func() bool {
		return len(aware.Entries()) == 1
	}, time.Second, time.Millisecond, "断线后在场集合只剩本地条目")
}

func TestProvider_CloseIdempotent(t *testing.T) {
	id := testDocID(t)
	clientDoc := doc.New(id, "A")

	client, server := newPipe()
	aware := NewAwareness(PresenceEntry{Actor: "A"}, time.Second)
	p := NewProvider("mem://doc", clientDoc, aware,
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return client, nil }),
		WithHeartbeatInterval(time.Hour),
	)

	p.Connect()
	// 吃掉握手请求，避免写端阻塞
	_ = server.readFrame(t)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	require.Equal(t, StatusDisconnected, p.Status())

	// 关闭后发送静默丢弃
	p.SendUpdate([]byte{0x01})
}

func waitStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("等待状态 %v 超时", want)
		}
	}
}
