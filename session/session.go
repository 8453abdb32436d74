// Package session orchestrates one GVSP stream: it owns the UDP socket,
// drives datagrams through classification and reassembly, applies the
// resend policy on a periodic tick, and delivers completed frames to the
// application through a bounded drop-oldest queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/visionward/gvrx/chunk"
	"github.com/visionward/gvrx/clock"
	"github.com/visionward/gvrx/frame"
	"github.com/visionward/gvrx/gvsp"
	"github.com/visionward/gvrx/reassembly"
	"github.com/visionward/gvrx/stats"
)

// ErrClosed is returned by NextFrame once the session has stopped and the
// delivery queue is drained.
var ErrClosed = errors.New("session: closed")

// recvQueueSize is the depth of the datagram hand-off between the socket
// reader and the assembly goroutine, enough to absorb GC pauses without
// the reader outrunning its recycled buffers.
const recvQueueSize = 256

type datagram struct {
	buf []byte
	n   int
}

// Session is a running stream receiver. One goroutine owns the socket
// read; a second is the sole mutator of reassembly state, interleaving
// packet processing with resend sweeps. The delivery queue is the only
// structure shared with the application.
type Session struct {
	id     string
	cfg    Config
	log    *slog.Logger
	conn   PacketConn
	pool   *frame.Pool
	asm    *reassembly.Assembler
	coord  *reassembly.Coordinator
	mapper *clock.Mapper
	stats  *stats.Stream

	queue     chan *frame.Frame
	datagrams chan datagram
	recycle   chan []byte

	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

// New builds a Session from a validated config. sender receives resend
// requests on the control path; nil disables resends. If log is nil,
// slog.Default() is used.
func New(cfg Config, sender reassembly.ResendSender, log *slog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	unit := cfg.payloadUnit()
	maxPackets := cfg.maxPackets()
	// Buffer capacity matches the payload span of the packet ID range so
	// the bitmap bound and the offset bound reject the same packets.
	pool, err := frame.NewPool(cfg.PoolCapacity, (maxPackets-2)*unit)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		conn:      cfg.Conn,
		pool:      pool,
		mapper:    clock.NewMapper(cfg.TickFrequency),
		stats:     stats.NewStream(),
		queue:     make(chan *frame.Frame, cfg.QueueCapacity),
		datagrams: make(chan datagram, recvQueueSize),
		recycle:   make(chan []byte, recvQueueSize+1),
		done:      make(chan struct{}),
	}
	s.log = log.With("component", "session", "session", s.id[:8])

	st := s.stats
	s.asm = reassembly.NewAssembler(reassembly.Config{
		PayloadUnit:   unit,
		MaxPackets:    maxPackets,
		FrameDeadline: cfg.FrameDeadline,
	}, pool, st, s.evictOldest, s.log)
	s.coord = reassembly.NewCoordinator(reassembly.CoordinatorConfig{
		GracePeriod:   cfg.GracePeriod,
		MaxResends:    cfg.MaxResends,
		WindowPackets: cfg.WindowPackets,
		BackoffMin:    cfg.BackoffMin,
		BackoffMax:    cfg.BackoffMax,
	}, sender, st, s.log)

	for i := 0; i < cap(s.recycle); i++ {
		s.recycle <- make([]byte, cfg.PacketSize)
	}
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Stats returns a point-in-time snapshot of the session counters. Safe to
// call concurrently with streaming.
func (s *Session) Stats() stats.Snapshot { return s.stats.Snapshot() }

// Clock returns the device-to-host timestamp mapper so the control path
// can feed calibration samples while the stream runs.
func (s *Session) Clock() *clock.Mapper { return s.mapper }

// Start binds the socket (unless one was injected) and launches the
// receive and assembly goroutines. It returns immediately; streaming
// continues until Stop, ctx cancellation, or a fatal socket error.
func (s *Session) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("session: already started")
	}
	if s.conn == nil {
		conn, err := s.openSocket()
		if err != nil {
			return err
		}
		s.conn = conn
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.recvLoop(gctx) })
	g.Go(func() error { return s.processLoop(gctx) })

	go func() {
		err := g.Wait()
		cancel()
		s.conn.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			s.setErr(err)
			s.log.Error("session failed", "error", err)
		}
		// Both loops have exited: reassembly state is quiescent. Recycle
		// every in-flight buffer and drain undelivered frames so no frame
		// is referenced once done closes.
		s.asm.Close()
		s.drainQueue()
		close(s.done)
	}()

	s.log.Info("session started",
		"bind", s.cfg.BindAddr,
		"multicast", s.cfg.Multicast,
		"packetSize", s.cfg.PacketSize,
		"pool", s.cfg.PoolCapacity,
	)
	return nil
}

// Stop ceases ingest, abandons all in-flight frames, and releases every
// buffer back to the pool. It is synchronous and idempotent; the first
// fatal session error, if any, is returned.
func (s *Session) Stop() error {
	if !s.started {
		return nil
	}
	s.stopOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
	<-s.done
	return s.Err()
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the fatal session error, or nil after a clean shutdown.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// NextFrame blocks until a completed frame is available, ctx is done, or
// the session ends. The caller owns the returned frame and must Release it.
func (s *Session) NextFrame(ctx context.Context) (*frame.Frame, error) {
	select {
	case f := <-s.queue:
		return f, nil
	default:
	}
	select {
	case f := <-s.queue:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}
}

// openSocket binds the stream socket, requests the configured receive
// buffer, and joins the multicast group when one is configured.
func (s *Session) openSocket() (PacketConn, error) {
	pc, err := net.ListenPacket("udp4", s.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("session: bind %s: %w", s.cfg.BindAddr, err)
	}
	conn := pc.(*net.UDPConn)
	if err := conn.SetReadBuffer(s.cfg.RecvBufferBytes); err != nil {
		s.log.Warn("could not set receive buffer", "bytes", s.cfg.RecvBufferBytes, "error", err)
	}

	if s.cfg.Multicast != "" {
		group := net.ParseIP(s.cfg.Multicast)
		if group == nil {
			conn.Close()
			return nil, fmt.Errorf("session: invalid multicast group %q", s.cfg.Multicast)
		}
		var iface *net.Interface
		if s.cfg.Interface != "" {
			iface, err = net.InterfaceByName(s.cfg.Interface)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("session: interface %s: %w", s.cfg.Interface, err)
			}
		}
		if err := ipv4.NewPacketConn(conn).JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("session: join %s: %w", s.cfg.Multicast, err)
		}
		s.log.Info("joined multicast group", "group", s.cfg.Multicast, "interface", s.cfg.Interface)
	}
	return conn, nil
}

// recvLoop owns the socket read. Buffers cycle between recvLoop and
// processLoop so the hot path allocates nothing per packet.
func (s *Session) recvLoop(ctx context.Context) error {
	for {
		var buf []byte
		select {
		case buf = <-s.recycle:
		case <-ctx.Done():
			return nil
		}

		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("session: socket read: %w", err)
		}

		select {
		case s.datagrams <- datagram{buf: buf, n: n}:
		case <-ctx.Done():
			return nil
		}
	}
}

// processLoop is the sole mutator of reassembly state: it interleaves
// packet ingest with resend sweeps on one goroutine, so per-frame state
// needs no locking.
func (s *Session) processLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-s.datagrams:
			s.handle(d)
			s.recycle <- d.buf
		case now := <-ticker.C:
			s.coord.Sweep(now, s.asm)
		}
	}
}

func (s *Session) handle(d datagram) {
	s.stats.RecordPacket(d.n)

	pkt, err := gvsp.Parse(d.buf[:d.n])
	if err != nil {
		s.stats.RecordMalformed()
		s.log.Debug("malformed datagram", "error", err)
		return
	}

	res := s.asm.Ingest(&pkt, time.Now())
	switch res.Event {
	case reassembly.EventCompleted:
		s.deliver(res)
	case reassembly.EventGap:
		s.log.Debug("trailer arrived with gaps", "block", res.BlockID)
	case reassembly.EventAbandoned:
		s.log.Debug("frame abandoned on protocol error", "block", res.BlockID)
	}
}

// deliver annotates a completed frame with chunk metadata and a host
// timestamp, then enqueues it. Enqueue never blocks: under backpressure
// the oldest queued frame is evicted first.
func (s *Session) deliver(res reassembly.Result) {
	f := res.Frame

	if cs := res.ChunkSize; cs > 0 {
		if cs <= len(f.Bytes) {
			imageLen := len(f.Bytes) - cs
			if m, err := chunk.Parse(f.Bytes[imageLen:]); err != nil {
				s.log.Debug("chunk parse failed", "block", f.BlockID, "error", err)
			} else {
				f.Chunks = m
			}
			f.SetLen(imageLen)
		} else {
			s.log.Debug("trailer chunk size exceeds frame payload", "block", f.BlockID, "chunkSize", cs)
		}
	}

	if ht, ok := s.mapper.HostTime(f.DeviceTimestamp); ok {
		f.HostTimestamp = ht
	} else {
		f.HostTimestamp = time.Now()
	}

	select {
	case s.queue <- f:
	default:
		s.evictOldest()
		s.queue <- f
	}
	s.stats.RecordCompleted()
}

// evictOldest frees the oldest undelivered frame. It runs on the assembly
// goroutine (the queue's only producer), so a successful eviction
// guarantees room for one enqueue.
func (s *Session) evictOldest() bool {
	select {
	case old := <-s.queue:
		old.Release()
		s.stats.RecordBackpressureDrop()
		return true
	default:
		return false
	}
}

func (s *Session) drainQueue() {
	for {
		select {
		case f := <-s.queue:
			f.Release()
		default:
			return
		}
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}
