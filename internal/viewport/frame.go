// Package viewport implements the dedicated headless-browser frame/ack
// streaming protocol with input back-channel (spec §4.11).
package viewport

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed binary frame header size in bytes.
const HeaderSize = 4 + 2 + 2 + 1

// FrameHeader precedes a frame's JPEG payload on the wire.
type FrameHeader struct {
	FrameNum uint32
	Width    uint16
	Height   uint16
	Quality  uint8
}

// Encode serializes the header followed by jpeg into a single wire message.
func (h FrameHeader) Encode(jpeg []byte) []byte {
	buf := make([]byte, HeaderSize+len(jpeg))
	binary.BigEndian.PutUint32(buf[0:4], h.FrameNum)
	binary.BigEndian.PutUint16(buf[4:6], h.Width)
	binary.BigEndian.PutUint16(buf[6:8], h.Height)
	buf[8] = h.Quality
	copy(buf[HeaderSize:], jpeg)
	return buf
}

// DecodeFrame splits a wire message into its header and JPEG payload.
func DecodeFrame(data []byte) (FrameHeader, []byte, error) {
	if len(data) < HeaderSize {
		return FrameHeader{}, nil, fmt.Errorf("viewport: frame too short (%d bytes)", len(data))
	}
	h := FrameHeader{
		FrameNum: binary.BigEndian.Uint32(data[0:4]),
		Width:    binary.BigEndian.Uint16(data[4:6]),
		Height:   binary.BigEndian.Uint16(data[6:8]),
		Quality:  data[8],
	}
	return h, data[HeaderSize:], nil
}

// AckSize is the fixed 4-byte ack wire size.
const AckSize = 4

// EncodeAck serializes an acked frame number.
func EncodeAck(frameNum uint32) []byte {
	buf := make([]byte, AckSize)
	binary.BigEndian.PutUint32(buf, frameNum)
	return buf
}

// DecodeAck parses an acked frame number.
func DecodeAck(data []byte) (uint32, error) {
	if len(data) != AckSize {
		return 0, fmt.Errorf("viewport: ack must be %d bytes, got %d", AckSize, len(data))
	}
	return binary.BigEndian.Uint32(data), nil
}
