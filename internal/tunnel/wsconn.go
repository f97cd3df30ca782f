package tunnel

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsStream adapts a websocket connection to the io.ReadWriteCloser yamux
// multiplexes over. Websocket messages are reframed into a byte stream;
// writes are serialized because gorilla allows one concurrent writer.
type wsStream struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	pending []byte
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	n := copy(p, msg)
	if n < len(msg) {
		s.pending = msg[n:]
	}
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

var _ io.ReadWriteCloser = (*wsStream)(nil)
