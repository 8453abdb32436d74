package gvsp

import "encoding/binary"

// Leader describes the frame metadata carried by a leader or all-in packet.
type Leader struct {
	PayloadType uint16
	Timestamp   uint64
	PixelFormat uint32
	Width       uint32
	Height      uint32
	PacketCount uint32
}

// Trailer describes the frame footer carried by a trailer packet.
type Trailer struct {
	PayloadType uint16
	PacketCount uint32
	ChunkSize   uint32
}

func appendHeader(dst []byte, status, blockID uint16, kind Kind, packetID uint32, resent bool) []byte {
	dst = binary.BigEndian.AppendUint16(dst, status)
	dst = binary.BigEndian.AppendUint16(dst, blockID)
	format := uint8(kind)
	if resent {
		format |= resentFlag
	}
	dst = append(dst, format)
	return append(dst, byte(packetID>>16), byte(packetID>>8), byte(packetID))
}

func appendLeaderBody(dst []byte, l Leader) []byte {
	dst = binary.BigEndian.AppendUint16(dst, l.PayloadType)
	dst = binary.BigEndian.AppendUint64(dst, l.Timestamp)
	dst = binary.BigEndian.AppendUint32(dst, l.PixelFormat)
	dst = binary.BigEndian.AppendUint32(dst, l.Width)
	dst = binary.BigEndian.AppendUint32(dst, l.Height)
	return binary.BigEndian.AppendUint32(dst, l.PacketCount)
}

// AppendLeader appends a leader packet (packet ID 0) to dst.
func AppendLeader(dst []byte, blockID uint16, l Leader) []byte {
	dst = appendHeader(dst, 0, blockID, KindLeader, 0, false)
	return appendLeaderBody(dst, l)
}

// AppendPayload appends a payload packet to dst. Resent marks a
// retransmission triggered by a resend request.
func AppendPayload(dst []byte, blockID uint16, packetID uint32, data []byte, resent bool) []byte {
	dst = appendHeader(dst, 0, blockID, KindPayload, packetID, resent)
	return append(dst, data...)
}

// AppendTrailer appends a trailer packet to dst.
func AppendTrailer(dst []byte, blockID uint16, packetID uint32, t Trailer) []byte {
	dst = appendHeader(dst, 0, blockID, KindTrailer, packetID, false)
	dst = binary.BigEndian.AppendUint16(dst, t.PayloadType)
	dst = binary.BigEndian.AppendUint32(dst, t.PacketCount)
	return binary.BigEndian.AppendUint32(dst, t.ChunkSize)
}

// AppendAllIn appends a single-packet frame combining leader metadata and
// the full image payload. The declared packet count is forced to 1.
func AppendAllIn(dst []byte, blockID uint16, l Leader, data []byte) []byte {
	l.PacketCount = 1
	dst = appendHeader(dst, 0, blockID, KindAllIn, 0, false)
	dst = appendLeaderBody(dst, l)
	return append(dst, data...)
}
