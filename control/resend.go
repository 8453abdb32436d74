// Package control provides the outbound control-path binding the stream
// receiver needs: encoding GVCP packet-resend commands and sending them to
// the device. Full control-channel semantics (register access, acks) live
// with the control collaborator, not here.
package control

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/visionward/gvrx/reassembly"
)

// GVCP constants for the packet-resend command (GigE Vision 2.x).
const (
	gvcpMagic        = 0x42
	opPacketResend   = 0x0040
	resendHeaderSize = 8
	resendRangeSize  = 12
)

// ResendSender encodes PACKETRESEND_CMD datagrams and sends them to the
// device's control endpoint. It implements reassembly.ResendSender. Safe
// for use from a single goroutine (the session's assembly loop).
type ResendSender struct {
	conn    *net.UDPConn
	channel uint16
	reqID   atomic.Uint32
	log     *slog.Logger
	buf     []byte
}

var _ reassembly.ResendSender = (*ResendSender)(nil)

// NewResendSender connects a UDP socket to the device's control endpoint
// (host:port, conventionally port 3956) for stream channel index channel.
func NewResendSender(device string, channel uint16, log *slog.Logger) (*ResendSender, error) {
	if log == nil {
		log = slog.Default()
	}
	addr, err := net.ResolveUDPAddr("udp4", device)
	if err != nil {
		return nil, fmt.Errorf("control: resolve %s: %w", device, err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", device, err)
	}
	return &ResendSender{
		conn:    conn,
		channel: channel,
		log:     log.With("component", "resend-sender"),
		buf:     make([]byte, 0, resendHeaderSize+resendRangeSize),
	}, nil
}

// SendResend issues one PACKETRESEND_CMD per missing range. The command is
// fire-and-forget: the device answers with retransmitted stream packets,
// not a control acknowledgement.
func (r *ResendSender) SendResend(blockID uint16, ranges []reassembly.MissingRange) error {
	for _, rg := range ranges {
		pkt := r.encode(blockID, rg)
		if _, err := r.conn.Write(pkt); err != nil {
			return fmt.Errorf("control: send resend block %d [%d,%d]: %w", blockID, rg.First, rg.Last, err)
		}
	}
	return nil
}

// encode serializes one resend command into the sender's scratch buffer.
func (r *ResendSender) encode(blockID uint16, rg reassembly.MissingRange) []byte {
	id := uint16(r.reqID.Add(1))
	if id == 0 {
		id = uint16(r.reqID.Add(1))
	}

	b := r.buf[:0]
	b = append(b, gvcpMagic, 0x00)
	b = binary.BigEndian.AppendUint16(b, opPacketResend)
	b = binary.BigEndian.AppendUint16(b, resendRangeSize)
	b = binary.BigEndian.AppendUint16(b, id)
	b = binary.BigEndian.AppendUint16(b, r.channel)
	b = binary.BigEndian.AppendUint16(b, blockID)
	b = binary.BigEndian.AppendUint32(b, rg.First)
	b = binary.BigEndian.AppendUint32(b, rg.Last)
	r.buf = b
	return b
}

// Close releases the control socket.
func (r *ResendSender) Close() error { return r.conn.Close() }
