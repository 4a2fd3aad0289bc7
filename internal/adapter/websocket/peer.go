package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/pulsehub/internal/adapter/metrics"
)

const (
	writeDeadline   = 5 * time.Second
	maxMessageSize  = 64 << 10
	defaultSendSize = 32
)

// peer owns every write to one socket. The hub enqueues frames and probes
// without blocking; a single goroutine drains them onto the wire.
type peer struct {
	connection *websocket.Conn
	clock      clockwork.Clock
	metrics    *metrics.WebSocketMetrics

	sendCh  chan []byte
	probeCh chan struct{}
	doneCh  chan struct{}

	closeOnce   sync.Once
	closeReason string
	wg          sync.WaitGroup
}

func newPeer(connection *websocket.Conn, clock clockwork.Clock, wsMetrics *metrics.WebSocketMetrics, bufferSize int) *peer {
	if bufferSize <= 0 {
		bufferSize = defaultSendSize
	}
	p := &peer{
		connection: connection,
		clock:      clock,
		metrics:    wsMetrics,
		sendCh:     make(chan []byte, bufferSize),
		probeCh:    make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *peer) Send(data []byte) bool {
	select {
	case <-p.doneCh:
		return false
	default:
	}

	select {
	case p.sendCh <- data:
		return true
	default:
		return false
	}
}

func (p *peer) Probe() bool {
	select {
	case <-p.doneCh:
		return false
	default:
	}

	// One pending probe is enough.
	select {
	case p.probeCh <- struct{}{}:
	default:
	}
	return true
}

func (p *peer) Close(reason string) {
	p.closeOnce.Do(func() {
		p.closeReason = reason
		close(p.doneCh)
	})
}

// wait blocks until the writer goroutine has exited and the socket is closed.
func (p *peer) wait() {
	p.wg.Wait()
}

func (p *peer) run() {
	defer p.wg.Done()
	defer func() { _ = p.connection.Close() }()

	for {
		select {
		case msg := <-p.sendCh:
			if err := p.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-p.probeCh:
			if err := p.write(websocket.PingMessage, nil); err != nil {
				p.metrics.PingFailures.Inc()
				return
			}
		case <-p.doneCh:
			if p.closeReason != "" {
				p.flushAndClose()
			}
			return
		}
	}
}

// flushAndClose writes frames that were queued before Close, then the close
// frame carrying the reason.
func (p *peer) flushAndClose() {
	for {
		select {
		case msg := <-p.sendCh:
			if err := p.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, p.closeReason)
			_ = p.write(websocket.CloseMessage, closeMsg)
			return
		}
	}
}

func (p *peer) write(messageType int, data []byte) error {
	start := p.clock.Now()
	_ = p.connection.SetWriteDeadline(start.Add(writeDeadline))
	if err := p.connection.WriteMessage(messageType, data); err != nil {
		return err
	}
	if messageType == websocket.TextMessage {
		p.metrics.SendDuration.Observe(p.clock.Since(start).Seconds())
	}
	return nil
}
