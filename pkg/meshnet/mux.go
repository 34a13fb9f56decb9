package meshnet

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// MaxLineBytes caps a single wire frame. Longer lines are dropped
	// without closing the link.
	MaxLineBytes = 1 << 20 // 1 MiB

	// MaxBufferBytes caps the unframed inbound buffer. Exceeding it with
	// no newline in sight destroys the link: the peer is either broken
	// or hostile.
	MaxBufferBytes = 10 << 20 // 10 MiB

	// DefaultPingInterval is how long the link may stay silent before a
	// heartbeat probe is sent.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is how long to wait for any traffic after a
	// probe before declaring the peer dead.
	DefaultPongTimeout = 10 * time.Second

	readChunkSize = 32 * 1024
)

// MuxConfig configures a peer connection multiplexer.
type MuxConfig struct {
	// NodeID is our node ID, echoed in pong replies.
	NodeID string

	// Handler receives every decoded non-heartbeat frame, in arrival
	// order, from the read loop. Unknown types arrive as *Raw.
	Handler func(msg Message)

	// OnClose fires exactly once when the link dies, with the close
	// reason and the triggering error (nil on clean shutdown).
	OnClose func(reason string, err error)

	// PingInterval / PongTimeout override the heartbeat defaults.
	// Zero values select the defaults; negative disables heartbeats
	// (used by request-scoped links and tests).
	PingInterval time.Duration
	PongTimeout  time.Duration

	Metrics *Metrics // nil = disabled
}

// Mux turns a raw bidirectional byte stream into a typed message channel,
// guarding against malformed, oversized, and replayed frames. One reader
// goroutine owns the inbound buffer and the dedup window; outbound writes
// are serialized under a mutex so frames never interleave.
type Mux struct {
	rw  io.ReadWriteCloser
	cfg MuxConfig

	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	lastRx   time.Time
	pingSent bool // probe outstanding, waiting for any traffic

	dedup *dedupWindow

	done chan struct{}
	wg   sync.WaitGroup

	// droppedLines counts frames discarded for size or parse failures.
	droppedLines int
}

// NewMux wraps rw. Call Start to begin reading.
func NewMux(rw io.ReadWriteCloser, cfg MuxConfig) *Mux {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	return &Mux{
		rw:     rw,
		cfg:    cfg,
		dedup:  newDedupWindow(),
		done:   make(chan struct{}),
		lastRx: time.Now(),
	}
}

// Start launches the read loop and, unless disabled, the heartbeat loop.
func (m *Mux) Start() {
	m.wg.Add(1)
	go m.readLoop()

	if m.cfg.PingInterval > 0 {
		m.wg.Add(1)
		go m.heartbeatLoop()
	}
}

// Send encodes msg and writes it as one newline-terminated frame.
func (m *Mux) Send(msg Message) error {
	line, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return m.sendLine(line)
}

func (m *Mux) sendLine(line []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMuxClosed
	}
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if _, err := m.rw.Write(append(line, '\n')); err != nil {
		m.closeWith(CloseReasonTransportError, err)
		return err
	}
	return nil
}

// Close tears the link down with reason "shutdown". Idempotent.
func (m *Mux) Close() {
	m.closeWith(CloseReasonShutdown, nil)
}

// closeWith closes the transport and emits the single close notification.
// Safe to call from any goroutine, any number of times.
func (m *Mux) closeWith(reason string, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.rw.Close()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.MuxClosesTotal.WithLabelValues(reason).Inc()
	}
	if m.cfg.OnClose != nil {
		m.cfg.OnClose(reason, err)
	}
}

// Wait blocks until both loops have exited. Used by owners that must not
// release per-peer state while the read loop may still touch it.
func (m *Mux) Wait() {
	m.wg.Wait()
}

// DroppedLines returns how many frames were discarded for size or parse
// failures. Snapshot for status output; the counter never resets.
func (m *Mux) DroppedLines() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.droppedLines
}

func (m *Mux) readLoop() {
	defer m.wg.Done()

	var buf []byte
	chunk := make([]byte, readChunkSize)

	for {
		n, err := m.rw.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = m.drainLines(buf)
			if buf == nil {
				return // drainLines closed the link
			}
			if len(buf) > MaxBufferBytes {
				m.closeWith(CloseReasonBufferOverflow, ErrBufferOverflow)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				m.closeWith(CloseReasonPeerClose, nil)
			} else {
				select {
				case <-m.done:
					// Read unblocked by our own Close; not a transport error.
					m.closeWith(CloseReasonShutdown, nil)
				default:
					m.closeWith(CloseReasonTransportError, err)
				}
			}
			return
		}
	}
}

// drainLines extracts and dispatches every complete line in buf,
// returning the unconsumed remainder. Returns nil if the link was closed
// during dispatch.
func (m *Mux) drainLines(buf []byte) []byte {
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			return buf
		}
		line := buf[:idx]
		buf = buf[idx+1:]

		if len(line) > MaxLineBytes {
			m.noteDrop("oversized")
			slog.Warn("mux: dropped oversized frame", "bytes", len(line))
			continue
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		m.dispatch(line)

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil
		}
	}
}

func (m *Mux) dispatch(line []byte) {
	m.touchRx()

	msg, err := DecodeMessage(line)
	if err != nil {
		m.noteDrop("malformed")
		slog.Debug("mux: dropped malformed frame", "error", err)
		return
	}

	switch v := msg.(type) {
	case *Ping:
		// Always answered, never forwarded, never deduplicated.
		_ = m.Send(&Pong{NodeID: m.cfg.NodeID, Timestamp: time.Now().UnixMilli()})
		return
	case *Pong:
		// Receipt already reset liveness in touchRx.
		_ = v
		return
	}

	if m.dedup.observe(msg.MsgType(), line) {
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.DedupSuppressedTotal.Inc()
		}
		return
	}

	if m.cfg.Handler != nil {
		m.cfg.Handler(msg)
	}
}

// touchRx records inbound traffic. Any frame counts as liveness and
// cancels an outstanding heartbeat probe.
func (m *Mux) touchRx() {
	m.mu.Lock()
	m.lastRx = time.Now()
	m.pingSent = false
	m.mu.Unlock()
}

func (m *Mux) noteDrop(kind string) {
	m.mu.Lock()
	m.droppedLines++
	m.mu.Unlock()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.MuxDroppedFramesTotal.WithLabelValues(kind).Inc()
	}
}

// heartbeatLoop sends a ping after PingInterval of inbound silence and
// closes the link if nothing arrives within PongTimeout of the probe.
func (m *Mux) heartbeatLoop() {
	defer m.wg.Done()

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	var probeAt time.Time

	for {
		select {
		case <-m.done:
			return
		case now := <-tick.C:
			m.mu.Lock()
			idle := now.Sub(m.lastRx)
			pending := m.pingSent
			m.mu.Unlock()

			switch {
			case pending && now.Sub(probeAt) >= m.cfg.PongTimeout:
				m.closeWith(CloseReasonHeartbeatTimeout, nil)
				return
			case !pending && idle >= m.cfg.PingInterval:
				m.mu.Lock()
				m.pingSent = true
				m.mu.Unlock()
				probeAt = now
				if err := m.Send(&Ping{Timestamp: now.UnixMilli()}); err != nil {
					return // Send already closed the link
				}
			}
		}
	}
}
