package shimproto

import "encoding/json"

// Reader is a streaming, resumable frame decoder. Feed it socket reads in
// whatever chunks they arrive; it invokes onFrame once per complete frame
// and never delivers a partial one. Frames split across reads and
// multiple frames per read both work.
type Reader struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and delivers every complete
// frame. A non-nil error from onFrame or a malformed frame stops parsing;
// the Reader must be discarded after an error.
func (r *Reader) Feed(chunk []byte, onFrame func(*Frame) error) error {
	r.buf = append(r.buf, chunk...)
	for {
		frame, consumed, err := r.parseOne()
		if err != nil {
			return err
		}
		if frame == nil {
			return nil
		}
		r.buf = r.buf[consumed:]
		if err := onFrame(frame); err != nil {
			return err
		}
	}
}

// Buffered reports how many bytes are waiting for the rest of a frame.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

func (r *Reader) parseOne() (*Frame, int, error) {
	if len(r.buf) < 4 {
		return nil, 0, nil
	}
	headerLen := int(uint32(r.buf[0])<<24 | uint32(r.buf[1])<<16 | uint32(r.buf[2])<<8 | uint32(r.buf[3]))
	if headerLen == 0 || headerLen > maxHeaderLen {
		return nil, 0, protocolErrorf("header length %d out of range", headerLen)
	}
	if len(r.buf) < 4+headerLen {
		return nil, 0, nil
	}

	var header Header
	if err := json.Unmarshal(r.buf[4:4+headerLen], &header); err != nil {
		return nil, 0, protocolErrorf("bad frame header: %v", err)
	}

	payloadTotal := 0
	for _, n := range header.PayloadLengths {
		if n < 0 {
			return nil, 0, protocolErrorf("negative payload length %d", n)
		}
		payloadTotal += n
	}
	if payloadTotal > maxPayloadTotalLen {
		return nil, 0, protocolErrorf("payload total %d exceeds limit", payloadTotal)
	}
	if len(r.buf) < 4+headerLen+payloadTotal {
		return nil, 0, nil
	}

	frame := &Frame{Header: header}
	off := 4 + headerLen
	for _, n := range header.PayloadLengths {
		p := make([]byte, n)
		copy(p, r.buf[off:off+n])
		frame.Payloads = append(frame.Payloads, p)
		off += n
	}
	return frame, off, nil
}
