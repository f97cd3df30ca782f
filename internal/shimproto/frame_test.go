package shimproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/pkeller/termmux/internal/registry"
	"github.com/pkeller/termmux/internal/term"
)

func encodeToBytes(t *testing.T, f *Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := f.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf.Bytes()
}

func TestFrameRoundTripArbitraryChunks(t *testing.T) {
	f, err := NewRequest(7, MethodWrite, WriteParams{PtyID: "a", Data: "x"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	f.Payloads = [][]byte{{1, 2, 3, 4}, {}}
	wire := encodeToBytes(t, f)

	for _, chunkSize := range []int{1, 2, 3, 5, 7, len(wire), len(wire) + 10} {
		var r Reader
		var got []*Frame
		for off := 0; off < len(wire); off += chunkSize {
			end := min(off+chunkSize, len(wire))
			if err := r.Feed(wire[off:end], func(fr *Frame) error {
				got = append(got, fr)
				return nil
			}); err != nil {
				t.Fatalf("chunkSize %d: Feed: %v", chunkSize, err)
			}
		}
		if len(got) != 1 {
			t.Fatalf("chunkSize %d: decoded %d frames, want 1", chunkSize, len(got))
		}
		fr := got[0]
		if fr.Header.Type != FrameRequest || fr.Header.RequestID != 7 || fr.Header.Method != MethodWrite {
			t.Fatalf("chunkSize %d: header = %+v", chunkSize, fr.Header)
		}
		var params WriteParams
		if err := fr.UnmarshalParams(&params); err != nil {
			t.Fatalf("chunkSize %d: params: %v", chunkSize, err)
		}
		if params.PtyID != "a" || params.Data != "x" {
			t.Fatalf("chunkSize %d: params = %+v", chunkSize, params)
		}
		if len(fr.Payloads) != 2 || !bytes.Equal(fr.Payloads[0], []byte{1, 2, 3, 4}) || len(fr.Payloads[1]) != 0 {
			t.Fatalf("chunkSize %d: payloads = %v", chunkSize, fr.Payloads)
		}
		if r.Buffered() != 0 {
			t.Fatalf("chunkSize %d: %d bytes left buffered", chunkSize, r.Buffered())
		}
	}
}

func TestReaderMultipleFramesInOneRead(t *testing.T) {
	var wire []byte
	for i := uint64(1); i <= 3; i++ {
		f, err := NewRequest(i, MethodListAll, nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		wire = append(wire, encodeToBytes(t, f)...)
	}

	var r Reader
	var ids []uint64
	if err := r.Feed(wire, func(fr *Frame) error {
		ids = append(ids, fr.Header.RequestID)
		return nil
	}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !reflect.DeepEqual(ids, []uint64{1, 2, 3}) {
		t.Fatalf("ids = %v", ids)
	}
}

func TestReaderRejectsOversizedHeader(t *testing.T) {
	wire := []byte{0xff, 0xff, 0xff, 0xff}
	var r Reader
	err := r.Feed(wire, func(*Frame) error { return nil })
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestReaderRejectsBadHeaderJSON(t *testing.T) {
	bad := []byte("not json")
	wire := []byte{0, 0, 0, byte(len(bad))}
	wire = append(wire, bad...)
	var r Reader
	err := r.Feed(wire, func(*Frame) error { return nil })
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestResponseFrames(t *testing.T) {
	ok, err := NewResponse(3, GetCwdResult{Cwd: "/tmp"})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	if !ok.Header.OK || ok.Header.RequestID != 3 {
		t.Fatalf("ok header = %+v", ok.Header)
	}
	var res GetCwdResult
	if err := json.Unmarshal(ok.Header.Result, &res); err != nil || res.Cwd != "/tmp" {
		t.Fatalf("result = %+v err=%v", res, err)
	}

	fail := NewErrorResponse(4, "session not found: x")
	if fail.Header.OK || fail.Header.Error == "" || fail.Header.RequestID != 4 {
		t.Fatalf("error header = %+v", fail.Header)
	}
}

func TestPackRowsRoundTrip(t *testing.T) {
	rows := []string{"hello", "", "käse ☕", "last"}
	got, err := UnpackRows(PackRows(rows))
	if err != nil {
		t.Fatalf("UnpackRows: %v", err)
	}
	if !reflect.DeepEqual(got, rows) {
		t.Fatalf("rows = %q, want %q", got, rows)
	}

	if _, err := UnpackRows([]byte{0, 0, 0, 9, 'x'}); err == nil {
		t.Fatal("truncated pack accepted")
	}
}

func TestPtyUpdateRoundTripFull(t *testing.T) {
	u := registry.UnifiedUpdate{
		Terminal: term.DirtyUpdate{
			IsFull: true,
			Cols:   80,
			Rows:   2,
			Screen: []string{"top", "bottom"},
			Cursor: term.Cursor{Row: 1, Col: 6, Visible: true},
			Modes:  term.ModeFlags{AltScreen: true},
		},
		Scroll: term.ScrollState{ViewportOffset: 3, ScrollbackLength: 40},
	}
	f, err := EncodePtyUpdate("sess1", u)
	if err != nil {
		t.Fatalf("EncodePtyUpdate: %v", err)
	}

	// through the wire
	wire := encodeToBytes(t, f)
	var r Reader
	var decoded *Frame
	if err := r.Feed(wire, func(fr *Frame) error { decoded = fr; return nil }); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	id, got, err := DecodePtyUpdate(decoded)
	if err != nil {
		t.Fatalf("DecodePtyUpdate: %v", err)
	}
	if id != "sess1" || !reflect.DeepEqual(got, u) {
		t.Fatalf("decoded (%s) %+v, want (sess1) %+v", id, got, u)
	}
}

func TestPtyUpdateRoundTripDelta(t *testing.T) {
	u := registry.UnifiedUpdate{
		Terminal: term.DirtyUpdate{
			Cols: 80,
			Rows: 24,
			Changed: []term.RowPatch{
				{Row: 3, Text: "changed three"},
				{Row: 9, Text: ""},
			},
			Cursor: term.Cursor{Row: 3, Col: 13, Visible: true},
		},
		Scroll: term.ScrollState{IsAtBottom: true},
	}
	f, err := EncodePtyUpdate("sess2", u)
	if err != nil {
		t.Fatalf("EncodePtyUpdate: %v", err)
	}
	id, got, err := DecodePtyUpdate(f)
	if err != nil {
		t.Fatalf("DecodePtyUpdate: %v", err)
	}
	if id != "sess2" || !reflect.DeepEqual(got, u) {
		t.Fatalf("decoded %+v, want %+v", got, u)
	}
}
