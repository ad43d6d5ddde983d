package transport

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ti777777/notepia-sub002/pkg/version"
)

// DocumentSource 是 Provider 同步的对象：会话暴露的文档调和入口。
// 三个方法都必须是内部串行化的（doc.Document 满足）。
type DocumentSource interface {
	StateVector() version.Vector
	ApplyUpdate(data []byte) (version.Vector, error)
	EncodeUpdateSince(remote version.Vector) ([]byte, error)
}

// Provider 维护到同步端点的持久连接：
// 断线后按指数退避自动重连，每次连上都重新执行调和握手，
// 不假设服务器保留了任何会话状态。
type Provider struct {
	url    string
	source DocumentSource
	aware  *Awareness
	cfg    Config

	mu        sync.Mutex
	status    Status
	statusFns []func(Status)
	conn      Conn
	closed    bool
	remoteVec version.Vector // 最近一次调和应答携带的服务器版本向量

	sendCh    chan []byte
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewProvider 创建 Provider。调用 Connect 之前不发起任何网络活动。
func NewProvider(url string, source DocumentSource, aware *Awareness, opts ...Option) *Provider {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Provider{
		url:    url,
		source: source,
		aware:  aware,
		cfg:    cfg,
		status: StatusDisconnected,
		sendCh: make(chan []byte, 64),
	}
}

// Status 返回当前连接状态。
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// RemoteVector 返回最近一次调和应答携带的服务器版本向量，
// 尚未完成过调和时返回 nil。可作为墓碑回收的进度证据。
func (p *Provider) RemoteVector() version.Vector {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteVec == nil {
		return nil
	}
	return p.remoteVec.Clone()
}

// OnStatus 注册状态变更监听，注册时立即回调一次当前状态。
func (p *Provider) OnStatus(fn func(Status)) {
	p.mu.Lock()
	p.statusFns = append(p.statusFns, fn)
	cur := p.status
	p.mu.Unlock()
	fn(cur)
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s || (p.closed && s != StatusDisconnected) {
		p.mu.Unlock()
		return
	}
	p.status = s
	listeners := p.statusFns
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// Connect 启动连接维护循环与心跳循环。只应调用一次。
func (p *Provider) Connect() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(2)
	go p.runLoop(ctx)
	go p.heartbeatLoop(ctx)
}

// SendUpdate 将一段出站更新排入发送队列。
// 未连接时更新留在队列中等待下一次连接；关闭后静默丢弃。
// 单一写协程保证同一 actor 的操作按产生顺序送达。
func (p *Provider) SendUpdate(update []byte) {
	p.enqueueFrame(&Frame{Type: FrameUpdate, Update: update})
}

func (p *Provider) enqueueFrame(f *Frame) {
	data, err := EncodeFrame(f)
	if err != nil {
		log.Printf("transport: 帧编码失败: %v", err)
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	select {
	case p.sendCh <- data:
	default:
		// 队列满：丢弃。缺失的操作会在下一次调和握手中补齐。
		log.Printf("transport: 发送队列已满, 丢弃一帧")
	}
}

// Close 同步停止心跳与重连循环并关闭连接。幂等，从不返回错误。
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		conn := p.conn
		p.mu.Unlock()

		if p.cancel != nil {
			p.cancel()
		}
		if conn != nil {
			conn.Close()
		}
		p.setStatus(StatusDisconnected)
		p.wg.Wait()
	})
	return nil
}

func (p *Provider) runLoop(ctx context.Context) {
	defer p.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.BackoffInitial
	bo.MaxInterval = p.cfg.BackoffMax
	bo.MaxElapsedTime = 0 // 永不放弃重连
	bo.Reset()

	for ctx.Err() == nil {
		p.setStatus(StatusConnecting)

		conn, err := p.cfg.Dialer(ctx, p.url)
		if err != nil {
			p.setStatus(StatusDisconnected)
			if !p.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.conn = conn
		p.mu.Unlock()

		p.setStatus(StatusConnected)

		stop := make(chan struct{})
		writerDone := make(chan struct{})
		go p.writePump(conn, stop, writerDone)

		// 调和握手：发出本地版本向量
		p.enqueueFrame(&Frame{Type: FrameSyncRequest, Vector: p.source.StateVector()})

		p.readLoop(conn, bo)

		close(stop)
		conn.Close()
		<-writerDone

		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()

		// 在场集合的生命周期严格跟随连接
		p.aware.Clear()
		p.setStatus(StatusDisconnected)

		if ctx.Err() != nil {
			return
		}
		if !p.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// readLoop 处理入站帧直到连接出错。损坏的帧丢弃并记录，连接继续。
func (p *Provider) readLoop(conn Conn, bo *backoff.ExponentialBackOff) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			log.Printf("transport: 丢弃损坏帧: %v", err)
			continue
		}

		switch frame.Type {
		case FrameSyncResponse:
			if len(frame.Update) > 0 {
				if _, err := p.source.ApplyUpdate(frame.Update); err != nil {
					log.Printf("transport: 调和应答应用失败: %v", err)
					continue
				}
			}
			// 把服务器缺失的操作补给它，完成双向调和
			reply, err := p.source.EncodeUpdateSince(version.Vector(frame.Vector))
			if err == nil {
				p.enqueueFrame(&Frame{Type: FrameUpdate, Update: reply})
			}
			p.mu.Lock()
			p.remoteVec = version.Vector(frame.Vector).Clone()
			p.mu.Unlock()
			p.setStatus(StatusSynced)
			bo.Reset()

		case FrameUpdate:
			if _, err := p.source.ApplyUpdate(frame.Update); err != nil {
				log.Printf("transport: 丢弃损坏更新: %v", err)
			}

		case FrameSyncRequest:
			reply, err := p.source.EncodeUpdateSince(version.Vector(frame.Vector))
			if err != nil {
				log.Printf("transport: 补发编码失败: %v", err)
				continue
			}
			p.enqueueFrame(&Frame{
				Type:   FrameSyncResponse,
				Update: reply,
				Vector: p.source.StateVector(),
			})

		case FrameAwareness:
			p.aware.Apply(frame.Presence)
		}
	}
}

func (p *Provider) writePump(conn Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case msg := <-p.sendCh:
			if err := conn.WriteMessage(msg); err != nil {
				return
			}
		}
	}
}

// heartbeatLoop 周期性广播本地在场条目并修剪超时对端。
func (p *Provider) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Status() >= StatusConnected {
				p.enqueueFrame(&Frame{Type: FrameAwareness, Presence: []PresenceEntry{p.aware.Local()}})
			}
			p.aware.Prune()
		}
	}
}

func (p *Provider) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
