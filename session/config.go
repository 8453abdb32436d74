package session

import (
	"fmt"
	"net"
	"time"

	"github.com/visionward/gvrx/gvsp"
)

// udpOverhead is the IP and UDP header bytes counted against the negotiated
// on-wire packet size (GevSCPSPacketSize includes them).
const udpOverhead = 28

// defaultRecvBuffer is the socket receive buffer requested by default,
// sized to ride out scheduling hiccups at multi-hundred-megabit rates.
const defaultRecvBuffer = 1 << 20

// Config carries the negotiated and local parameters for one stream
// session. All values are fixed for the session's lifetime; Validate fills
// defaults for zero fields.
type Config struct {
	// BindAddr is the local UDP address to receive the stream on,
	// e.g. ":50010". Ignored when Conn is set.
	BindAddr string
	// Multicast optionally names an IPv4 group to join on the bind socket.
	Multicast string
	// Interface optionally names the NIC used for the multicast join.
	Interface string

	// Conn overrides the UDP socket. Used by tests and by callers that
	// bind their own transport; the session still owns Close.
	Conn PacketConn

	// PacketSize is the negotiated on-wire packet size (GevSCPSPacketSize,
	// including IP/UDP headers).
	PacketSize int
	// PacketDelay is the negotiated inter-packet delay (GevSCPD). Recorded
	// for diagnostics; pacing is the device's job on the send side.
	PacketDelay time.Duration

	// MaxFrameBytes bounds image payload plus chunk data per frame.
	MaxFrameBytes int
	// PoolCapacity is the fixed number of frame buffers; the only tunable
	// bound on memory held by the streaming path.
	PoolCapacity int
	// QueueCapacity is the consumer-facing delivery queue depth.
	QueueCapacity int

	// GracePeriod, FrameDeadline, MaxResends, WindowPackets, BackoffMin,
	// and BackoffMax tune loss recovery; see reassembly.CoordinatorConfig.
	GracePeriod   time.Duration
	FrameDeadline time.Duration
	MaxResends    int
	WindowPackets int
	BackoffMin    time.Duration
	BackoffMax    time.Duration

	// SweepInterval is the resend coordinator's tick period.
	SweepInterval time.Duration

	// TickFrequency is the device timestamp tick frequency (Hz), used
	// until timestamp calibration samples arrive. Zero disables the
	// single-sample fallback.
	TickFrequency uint64

	// RecvBufferBytes is the requested socket receive buffer size.
	RecvBufferBytes int
}

// PacketConn is the narrow receive capability the session depends on,
// satisfied by *net.UDPConn or any test transport.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	Close() error
}

// Validate fills defaults and rejects inconsistent values.
func (c *Config) Validate() error {
	if c.PacketSize == 0 {
		c.PacketSize = 1500
	}
	if c.PacketSize < udpOverhead+gvsp.HeaderSize+1 {
		return fmt.Errorf("session: packet size %d leaves no payload room", c.PacketSize)
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = 4 << 20
	}
	if c.MaxFrameBytes < 0 {
		return fmt.Errorf("session: negative max frame bytes")
	}
	if c.PoolCapacity == 0 {
		c.PoolCapacity = 8
	}
	if c.PoolCapacity < 1 {
		return fmt.Errorf("session: pool capacity %d, must be at least 1", c.PoolCapacity)
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = c.PoolCapacity
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("session: queue capacity %d, must be at least 1", c.QueueCapacity)
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 10 * time.Millisecond
	}
	if c.FrameDeadline == 0 {
		c.FrameDeadline = 250 * time.Millisecond
	}
	if c.FrameDeadline <= c.GracePeriod {
		return fmt.Errorf("session: frame deadline %v not beyond grace period %v", c.FrameDeadline, c.GracePeriod)
	}
	if c.MaxResends == 0 {
		c.MaxResends = 3
	}
	if c.WindowPackets == 0 {
		c.WindowPackets = 512
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = 5 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 3 * c.BackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("session: backoff max %v below min %v", c.BackoffMax, c.BackoffMin)
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = c.GracePeriod / 2
		if c.SweepInterval < time.Millisecond {
			c.SweepInterval = time.Millisecond
		}
	}
	if c.RecvBufferBytes == 0 {
		c.RecvBufferBytes = defaultRecvBuffer
	}
	if c.Conn == nil && c.BindAddr == "" {
		return fmt.Errorf("session: either BindAddr or Conn must be set")
	}
	return nil
}

// payloadUnit is the image bytes carried per payload packet.
func (c *Config) payloadUnit() int {
	return c.PacketSize - udpOverhead - gvsp.HeaderSize
}

// maxPackets is the per-frame packet ID bound: enough payload packets to
// cover MaxFrameBytes, plus the leader and trailer.
func (c *Config) maxPackets() int {
	unit := c.payloadUnit()
	return (c.MaxFrameBytes+unit-1)/unit + 2
}
