// Package protocol implements the frame format used by stream transports
// (plain TCP and unix sockets), where the byte stream has no message
// boundaries of its own. Websocket connections are already message framed
// and do not use it.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │mt│ bodyLen │    body ...    │
//	│ mwd  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x77 // 'w'
	MagicByte3  byte = 0x64 // 'd'
	Version     byte = 0x01
	HeaderSize  int  = 9 // 3 (magic) + 1 (version) + 1 (msgType) + 4 (bodyLen)
)

// MsgType distinguishes envelope frames from keep-alive frames.
type MsgType byte

const (
	MsgTypeMessage   MsgType = 0 // Body is one JSON envelope
	MsgTypeHeartbeat MsgType = 1 // Keep-alive probe, no body
)

// Header is the fixed frame header.
type Header struct {
	MsgType MsgType
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w in a single Write.
// Callers sharing w between goroutines must still serialize calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r. A non-zero maxBody rejects frames whose
// declared body is larger, before any of the body is read.
func Decode(r io.Reader, maxBody uint32) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	msgType := MsgType(headerBuf[4])
	if msgType != MsgTypeMessage && msgType != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[5:9])
	if maxBody > 0 && bodyLen > maxBody {
		return nil, nil, fmt.Errorf("frame body %d exceeds limit %d", bodyLen, maxBody)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{MsgType: msgType, BodyLen: bodyLen}, body, nil
}
