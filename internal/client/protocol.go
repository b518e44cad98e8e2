package client

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// frameTerminator ends every structured document on the wire.
const frameTerminator = 0x04

// maxFrameSize bounds a single inbound request.
const maxFrameSize = 1 << 20

// binaryDelimiter separates a response document from a binary payload.
var binaryDelimiter = []byte{0x00, 0xFF, 'm', 't', 'b', 'i', 'n', 'a', 'r', 'y', 0x00, 0xFF}

// Request is one client command document.
type Request struct {
	Service int             `json:"service"`
	SrvOpID int             `json:"srvOpId"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is the document sent back for a request.
type Response struct {
	Service int         `json:"service"`
	SrvOpID int         `json:"srvOpId"`
	Data    interface{} `json:"data"`
}

// readFrame reads one terminator-delimited document.
func readFrame(r *bufio.Reader) (*Request, error) {
	raw, err := r.ReadBytes(frameTerminator)
	if err != nil {
		return nil, err
	}
	if len(raw) > maxFrameSize {
		return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
	}
	raw = bytes.TrimRight(raw, string(rune(frameTerminator)))

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	return &req, nil
}

// writeFrame writes a document followed by the terminator.
func writeFrame(w io.Writer, resp *Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	_, err = w.Write([]byte{frameTerminator})
	return err
}

// writeBinaryFrame writes a document, the binary delimiter, a big-endian
// length and the payload.
func writeBinaryFrame(w io.Writer, resp *Response, payload []byte) error {
	if err := writeFrame(w, resp); err != nil {
		return err
	}
	if _, err := w.Write(binaryDelimiter); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
