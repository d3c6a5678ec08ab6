package ingest

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/Antonite/plato_rl/qdeepneuro"
)

const idSize = 4

var (
	ErrShortPacket = errors.New("datagram shorter than client id")
	ErrPacketSize  = errors.New("unexpected transition size")
	ErrMalformed   = errors.New("malformed transition")
)

// PacketSize is the transition payload length for stateDims, excluding the
// client id: two states, the action byte, the reward and the terminal byte.
func PacketSize(stateDims int) int {
	return 2*4*stateDims + 1 + 4 + 1
}

// DecodePacket parses one datagram: a big-endian int32 client id followed by
// a transition of PacketSize(stateDims) bytes.
func DecodePacket(stateDims int, buf []byte) (int32, qdeepneuro.Transition, error) {
	if len(buf) < idSize {
		return 0, qdeepneuro.Transition{}, errors.Wrapf(ErrShortPacket, "got %d bytes", len(buf))
	}

	clientID := int32(binary.BigEndian.Uint32(buf))
	payload := buf[idSize:]
	if want := PacketSize(stateDims); len(payload) != want {
		return clientID, qdeepneuro.Transition{}, errors.Wrapf(ErrPacketSize, "got %d bytes, expected %d", len(payload), want)
	}

	off := 0
	readState := func() []float32 {
		s := make([]float32, stateDims)
		for i := range s {
			s[i] = math.Float32frombits(binary.BigEndian.Uint32(payload[off:]))
			off += 4
		}
		return s
	}

	var t qdeepneuro.Transition
	t.State = readState()
	t.Action = payload[off]
	off++
	t.Reward = math.Float32frombits(binary.BigEndian.Uint32(payload[off:]))
	off += 4
	t.NextState = readState()

	switch payload[off] {
	case 0:
	case 1:
		t.Terminal = true
	default:
		return clientID, qdeepneuro.Transition{}, errors.Wrapf(ErrMalformed, "terminal flag %d", payload[off])
	}

	return clientID, t, nil
}

// EncodePacket builds the datagram DecodePacket reads
func EncodePacket(clientID int32, t qdeepneuro.Transition) []byte {
	dims := len(t.State)
	buf := make([]byte, idSize+PacketSize(dims))
	binary.BigEndian.PutUint32(buf, uint32(clientID))

	off := idSize
	for _, v := range t.State {
		binary.BigEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}
	buf[off] = t.Action
	off++
	binary.BigEndian.PutUint32(buf[off:], math.Float32bits(t.Reward))
	off += 4
	for i := 0; i < dims; i++ {
		var v float32
		if i < len(t.NextState) {
			v = t.NextState[i]
		}
		binary.BigEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}
	if t.Terminal {
		buf[off] = 1
	}

	return buf
}
