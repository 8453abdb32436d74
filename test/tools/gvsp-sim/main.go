// gvsp-sim sends a synthetic GVSP stream to a receiver for loopback
// testing, with configurable packet loss, duplication, and reordering.
// It also answers GVCP resend requests so the receiver's loss-recovery
// path can be exercised end to end.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/visionward/gvrx/chunk"
	"github.com/visionward/gvrx/control"
	"github.com/visionward/gvrx/gvsp"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:50010", "Receiver stream address")
	ctrlFlag := flag.String("ctrl", ":3956", "Local GVCP port to answer resend requests on")
	framesFlag := flag.Int("frames", 100, "Number of frames to send (0 = unlimited)")
	widthFlag := flag.Int("width", 640, "Frame width")
	heightFlag := flag.Int("height", 480, "Frame height")
	fpsFlag := flag.Float64("fps", 30, "Frames per second")
	unitFlag := flag.Int("unit", 1464, "Payload bytes per packet")
	lossFlag := flag.Float64("loss", 0, "Per-packet drop probability [0,1]")
	dupFlag := flag.Float64("dup", 0, "Per-packet duplication probability [0,1]")
	shuffleFlag := flag.Bool("shuffle", false, "Shuffle packet order within each frame")
	chunksFlag := flag.Bool("chunks", false, "Append a timestamp chunk to each frame")
	flag.Parse()

	conn, err := net.Dial("udp4", *addrFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *addrFlag, err)
		os.Exit(1)
	}
	defer conn.Close()

	sim := &simulator{
		conn:    conn,
		width:   uint32(*widthFlag),
		height:  uint32(*heightFlag),
		unit:    *unitFlag,
		loss:    *lossFlag,
		dup:     *dupFlag,
		shuffle: *shuffleFlag,
		chunks:  *chunksFlag,
		sent:    make(map[uint16][][]byte),
	}

	go sim.answerResends(*ctrlFlag)

	interval := time.Duration(float64(time.Second) / *fpsFlag)
	fmt.Printf("sending %dx%d frames to %s every %v (loss=%.2f dup=%.2f shuffle=%v)\n",
		*widthFlag, *heightFlag, *addrFlag, interval, *lossFlag, *dupFlag, *shuffleFlag)

	blockID := uint16(1)
	for n := 0; *framesFlag == 0 || n < *framesFlag; n++ {
		sim.sendFrame(blockID)
		blockID++
		if blockID == 0 {
			blockID = 1
		}
		time.Sleep(interval)
	}
	fmt.Printf("done: %d frames\n", *framesFlag)
}

type simulator struct {
	conn    net.Conn
	width   uint32
	height  uint32
	unit    int
	loss    float64
	dup     float64
	shuffle bool
	chunks  bool

	mu   sync.Mutex
	sent map[uint16][][]byte // blockID → packets indexed by packet ID
}

// sendFrame builds and transmits one frame, recording every packet so
// resend requests can replay them.
func (s *simulator) sendFrame(blockID uint16) {
	payload := make([]byte, int(s.width*s.height))
	for i := range payload {
		payload[i] = byte(int(blockID) + i)
	}
	if s.chunks {
		ts := make([]byte, 8)
		binary.BigEndian.PutUint64(ts, uint64(time.Now().UnixNano()))
		payload = chunk.Append(payload, 0x1001, ts)
	}

	nPayload := (len(payload) + s.unit - 1) / s.unit
	count := uint32(nPayload + 2)

	packets := make([][]byte, 0, count)
	packets = append(packets, gvsp.AppendLeader(nil, blockID, gvsp.Leader{
		Timestamp:   uint64(time.Now().UnixNano()),
		PixelFormat: 0x01080001, // Mono8
		Width:       s.width,
		Height:      s.height,
		PacketCount: count,
	}))
	for i := 0; i < nPayload; i++ {
		lo := i * s.unit
		hi := min(lo+s.unit, len(payload))
		packets = append(packets, gvsp.AppendPayload(nil, blockID, uint32(i+1), payload[lo:hi], false))
	}
	chunkSize := uint32(0)
	if s.chunks {
		chunkSize = 16 // descriptor + 8-byte timestamp
	}
	packets = append(packets, gvsp.AppendTrailer(nil, blockID, count-1, gvsp.Trailer{
		PacketCount: count,
		ChunkSize:   chunkSize,
	}))

	s.mu.Lock()
	s.sent[blockID] = packets
	delete(s.sent, blockID-8) // keep a short replay history
	s.mu.Unlock()

	order := make([]int, len(packets))
	for i := range order {
		order[i] = i
	}
	if s.shuffle {
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	for _, i := range order {
		if s.loss > 0 && rand.Float64() < s.loss {
			continue
		}
		s.conn.Write(packets[i])
		if s.dup > 0 && rand.Float64() < s.dup {
			s.conn.Write(packets[i])
		}
	}
}

// answerResends listens for GVCP packet-resend commands and replays the
// requested packets with the resent flag set.
func (s *simulator) answerResends(addr string) {
	pc, err := net.ListenPacket("udp4", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resend listener: %v\n", err)
		return
	}
	defer pc.Close()

	buf := make([]byte, 512)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		req, err := control.ParseResend(buf[:n])
		if err != nil {
			continue
		}

		s.mu.Lock()
		packets := s.sent[req.BlockID]
		s.mu.Unlock()
		if packets == nil {
			continue
		}

		for id := req.First; id <= req.Last && int(id) < len(packets); id++ {
			pkt := packets[id]
			// Flip the resent bit in the format byte before replaying.
			resent := append([]byte(nil), pkt...)
			resent[4] |= 0x80
			s.conn.Write(resent)
		}
	}
}
