package control

import (
	"encoding/binary"
	"fmt"
)

// ResendRequest is a decoded PACKETRESEND_CMD, used by device-side tooling
// (the stream simulator) and tests to answer resend requests.
type ResendRequest struct {
	RequestID uint16
	Channel   uint16
	BlockID   uint16
	First     uint32
	Last      uint32
}

// ParseResend decodes a PACKETRESEND_CMD datagram.
func ParseResend(buf []byte) (ResendRequest, error) {
	var req ResendRequest
	if len(buf) < resendHeaderSize+resendRangeSize {
		return req, fmt.Errorf("control: resend command %d bytes, need %d", len(buf), resendHeaderSize+resendRangeSize)
	}
	if buf[0] != gvcpMagic {
		return req, fmt.Errorf("control: bad magic 0x%02X", buf[0])
	}
	if op := binary.BigEndian.Uint16(buf[2:4]); op != opPacketResend {
		return req, fmt.Errorf("control: opcode 0x%04X, want 0x%04X", op, opPacketResend)
	}
	if length := binary.BigEndian.Uint16(buf[4:6]); int(length) != resendRangeSize {
		return req, fmt.Errorf("control: payload length %d, want %d", length, resendRangeSize)
	}

	req.RequestID = binary.BigEndian.Uint16(buf[6:8])
	req.Channel = binary.BigEndian.Uint16(buf[8:10])
	req.BlockID = binary.BigEndian.Uint16(buf[10:12])
	req.First = binary.BigEndian.Uint32(buf[12:16])
	req.Last = binary.BigEndian.Uint32(buf[16:20])
	return req, nil
}
