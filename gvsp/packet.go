// Package gvsp implements the GigE Vision Streaming Protocol wire format:
// classification of raw UDP datagrams into typed packets and the inverse
// builders used by the stream simulator and tests.
package gvsp

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies the GVSP packet type carried in the low nibble of the
// format byte.
type Kind uint8

// GVSP packet kinds.
const (
	KindLeader  Kind = 1
	KindTrailer Kind = 2
	KindPayload Kind = 3
	KindAllIn   Kind = 4
)

// String returns the lowercase name of the kind for logging.
func (k Kind) String() string {
	switch k {
	case KindLeader:
		return "leader"
	case KindTrailer:
		return "trailer"
	case KindPayload:
		return "payload"
	case KindAllIn:
		return "all-in"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Wire layout sizes in bytes. All multi-byte fields are big-endian.
const (
	HeaderSize      = 8
	leaderBodySize  = 26
	trailerBodySize = 10
)

// resentFlag marks a packet retransmitted in response to a resend request.
const resentFlag = 0x80

// Packet is one classified datagram. Leader fields are populated for
// KindLeader and KindAllIn; trailer fields for KindTrailer; Data for
// KindPayload and KindAllIn. Data aliases the input buffer and must be
// copied before the buffer is reused.
type Packet struct {
	Kind     Kind
	Status   uint16
	BlockID  uint16
	PacketID uint32
	Resent   bool

	// Leader / AllIn fields.
	PayloadType uint16
	Timestamp   uint64
	PixelFormat uint32
	Width       uint32
	Height      uint32
	PacketCount uint32

	// Trailer fields. PacketCount carries the final count.
	ChunkSize uint32

	// Payload / AllIn image bytes.
	Data []byte
}

// Parse classifies a raw datagram into a Packet. It validates structural
// fields only; protocol-level consistency (packet counts vs. received IDs,
// placement bounds) is the reassembler's concern. The returned Packet
// aliases buf.
func Parse(buf []byte) (Packet, error) {
	var p Packet
	if len(buf) < HeaderSize {
		return p, fmt.Errorf("gvsp: datagram %d bytes, header needs %d", len(buf), HeaderSize)
	}

	p.Status = binary.BigEndian.Uint16(buf[0:2])
	p.BlockID = binary.BigEndian.Uint16(buf[2:4])
	format := buf[4]
	p.Resent = format&resentFlag != 0
	p.Kind = Kind(format & 0x0F)
	p.PacketID = uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])

	body := buf[HeaderSize:]

	switch p.Kind {
	case KindLeader:
		if len(body) < leaderBodySize {
			return p, fmt.Errorf("gvsp: leader body %d bytes, need %d", len(body), leaderBodySize)
		}
		parseLeaderBody(&p, body)

	case KindTrailer:
		if len(body) < trailerBodySize {
			return p, fmt.Errorf("gvsp: trailer body %d bytes, need %d", len(body), trailerBodySize)
		}
		p.PayloadType = binary.BigEndian.Uint16(body[0:2])
		p.PacketCount = binary.BigEndian.Uint32(body[2:6])
		p.ChunkSize = binary.BigEndian.Uint32(body[6:10])

	case KindPayload:
		if len(body) == 0 {
			return p, fmt.Errorf("gvsp: empty payload packet")
		}
		if p.PacketID == 0 {
			return p, fmt.Errorf("gvsp: payload packet with packet ID 0")
		}
		p.Data = body

	case KindAllIn:
		if len(body) < leaderBodySize {
			return p, fmt.Errorf("gvsp: all-in body %d bytes, need at least %d", len(body), leaderBodySize)
		}
		parseLeaderBody(&p, body)
		if p.PacketCount != 1 {
			return p, fmt.Errorf("gvsp: all-in packet declares count %d, want 1", p.PacketCount)
		}
		p.Data = body[leaderBodySize:]

	default:
		return p, fmt.Errorf("gvsp: unknown packet kind 0x%02X", format&0x0F)
	}

	return p, nil
}

func parseLeaderBody(p *Packet, body []byte) {
	p.PayloadType = binary.BigEndian.Uint16(body[0:2])
	p.Timestamp = binary.BigEndian.Uint64(body[2:10])
	p.PixelFormat = binary.BigEndian.Uint32(body[10:14])
	p.Width = binary.BigEndian.Uint32(body[14:18])
	p.Height = binary.BigEndian.Uint32(body[18:22])
	p.PacketCount = binary.BigEndian.Uint32(body[22:26])
}
