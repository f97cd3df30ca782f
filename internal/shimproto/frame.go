// Package shimproto implements the wire protocol between a UI process
// and the shim daemon: length-framed messages with a JSON header and any
// number of raw binary payload segments, so hot-path terminal updates
// never pay JSON encoding overhead on their row data.
//
// Wire format:
//
//	[header length: u32 big-endian][header JSON][payload-1][payload-2]...
//
// The header's payloadLengths array declares each payload's byte length,
// so a reader can demux without inspecting payload contents.
package shimproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// ProtocolVersion is negotiated in the hello handshake.
const ProtocolVersion = 1

// FrameType discriminates the closed set of frame kinds.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"

	// server push
	FramePtyUpdate    FrameType = "ptyUpdate"
	FramePtyExit      FrameType = "ptyExit"
	FramePtyTitle     FrameType = "ptyTitle"
	FramePtyLifecycle FrameType = "ptyLifecycle"
	FrameDetached     FrameType = "detached"
)

// Sanity limits; a peer exceeding them is malfunctioning or hostile.
const (
	maxHeaderLen       = 1 << 20  // 1MB
	maxPayloadTotalLen = 32 << 20 // 32MB
)

// Header is the structured metadata portion of a frame.
type Header struct {
	Type           FrameType       `json:"type"`
	RequestID      uint64          `json:"requestId,omitempty"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	OK             bool            `json:"ok,omitempty"`
	Error          string          `json:"error,omitempty"`
	PayloadLengths []int           `json:"payloadLengths,omitempty"`
}

// Frame is one self-delimited protocol unit.
type Frame struct {
	Header   Header
	Payloads [][]byte
}

// ProtocolError reports a malformed frame.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// NewRequest builds a request frame. params may be nil.
func NewRequest(requestID uint64, method string, params any) (*Frame, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Frame{Header: Header{
		Type:      FrameRequest,
		RequestID: requestID,
		Method:    method,
		Params:    raw,
	}}, nil
}

// NewResponse builds a successful response carrying result.
func NewResponse(requestID uint64, result any) (*Frame, error) {
	raw, err := marshalOptional(result)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return &Frame{Header: Header{
		Type:      FrameResponse,
		RequestID: requestID,
		OK:        true,
		Result:    raw,
	}}, nil
}

// NewErrorResponse builds a failed response carrying message.
func NewErrorResponse(requestID uint64, message string) *Frame {
	return &Frame{Header: Header{
		Type:      FrameResponse,
		RequestID: requestID,
		Error:     message,
	}}
}

// NewEvent builds a push frame of the given type. params may be nil and
// payloads may be empty.
func NewEvent(typ FrameType, params any, payloads ...[]byte) (*Frame, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", typ, err)
	}
	return &Frame{Header: Header{Type: typ, Params: raw}, Payloads: payloads}, nil
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// UnmarshalParams decodes the frame's params into v.
func (f *Frame) UnmarshalParams(v any) error {
	if len(f.Header.Params) == 0 {
		return protocolErrorf("%s frame missing params", f.Header.Type)
	}
	if err := json.Unmarshal(f.Header.Params, v); err != nil {
		return protocolErrorf("bad %s params: %v", f.Header.Type, err)
	}
	return nil
}

// Encode writes the frame to w in wire format.
func (f *Frame) Encode(w io.Writer) error {
	header := f.Header
	header.PayloadLengths = make([]int, len(f.Payloads))
	for i, p := range f.Payloads {
		header.PayloadLengths[i] = len(p)
	}
	if len(header.PayloadLengths) == 0 {
		header.PayloadLengths = nil
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal frame header: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, p := range f.Payloads {
		if len(p) == 0 {
			continue
		}
		if _, err := w.Write(p); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// Writer serializes concurrent frame writes onto one connection.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteFrame(f *Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return f.Encode(w.w)
}
