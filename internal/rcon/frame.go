// Package rcon implements the client side of the Minecraft/Source remote
// console protocol: length-prefixed little-endian frames over TCP.
package rcon

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Frame types.
const (
	TypeResponse int32 = 0
	TypeCommand  int32 = 2
	TypeAuthResp int32 = 2
	TypeLogin    int32 = 3
)

const (
	headerSize = 8 // id + type
	// MinFrameLength is the length field of a frame with an empty body.
	MinFrameLength = headerSize + 2
	// MaxFrameLength bounds inbound frames. Servers send at most 4096 body
	// bytes per frame; anything past this is treated as a protocol error.
	MaxFrameLength = 64 << 10
	// MaxCommandLength is the largest body a server accepts in one frame.
	MaxCommandLength = 1446
	// fragmentSize is the body size at which a response may continue in a
	// following frame.
	fragmentSize = 4096
)

// Frame is one protocol packet.
type Frame struct {
	ID   int32
	Type int32
	Body []byte
}

// WriteFrame encodes f onto w as a single write.
func WriteFrame(w io.Writer, f Frame) error {
	length := headerSize + len(f.Body) + 2
	buf := make([]byte, 4+length)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(f.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.Type))
	copy(buf[12:], f.Body)
	// trailing body terminator and pad byte are already zero
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame from r. Length and terminator violations are
// reported as [ErrProtocol].
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	length := int32(binary.LittleEndian.Uint32(hdr[:]))
	if length < MinFrameLength || length > MaxFrameLength {
		return Frame{}, fmt.Errorf("%w: frame length %d", ErrProtocol, length)
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	if rest[length-2] != 0 || rest[length-1] != 0 {
		return Frame{}, fmt.Errorf("%w: frame body not terminated", ErrProtocol)
	}
	return Frame{
		ID:   int32(binary.LittleEndian.Uint32(rest[0:4])),
		Type: int32(binary.LittleEndian.Uint32(rest[4:8])),
		Body: rest[headerSize : length-2],
	}, nil
}

// text decodes a response body, replacing invalid UTF-8 sequences.
func text(body []byte) string {
	return strings.ToValidUTF8(string(body), "�")
}
