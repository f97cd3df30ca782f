package tunnel

import (
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

var errNoAgent = errors.New("no tunnel agent connected")

var hubUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub is the remote end of the tunnel. It accepts one agent over a
// websocket endpoint and exposes the agent's daemon socket as a local TCP
// listener, so a termmux client on this machine connects to localhost and
// lands on the remote daemon.
type Hub struct {
	secret string

	mu      sync.RWMutex
	session *yamux.Session
}

func NewHub(secret string) *Hub {
	return &Hub{secret: secret}
}

// Handler serves the agent's websocket endpoint. A newly connecting agent
// replaces any previous one.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(secretHeader) != h.secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		wsConn, err := hubUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("tunnel hub: upgrade failed: %v", err)
			return
		}
		log.Println("tunnel hub: agent connected")

		// The hub is the yamux client: it opens a stream per local
		// connection.
		session, err := yamux.Client(newWSStream(wsConn), yamux.DefaultConfig())
		if err != nil {
			log.Printf("tunnel hub: yamux client: %v", err)
			wsConn.Close()
			return
		}

		h.mu.Lock()
		if h.session != nil {
			h.session.Close()
			log.Println("tunnel hub: replaced previous agent")
		}
		h.session = session
		h.mu.Unlock()

		<-session.CloseChan()

		h.mu.Lock()
		if h.session == session {
			h.session = nil
		}
		h.mu.Unlock()
		log.Println("tunnel hub: agent disconnected")
	}
}

// Connected reports whether an agent is attached.
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session != nil && !h.session.IsClosed()
}

// OpenStream opens a fresh protocol connection through the agent.
func (h *Hub) OpenStream() (net.Conn, error) {
	h.mu.RLock()
	session := h.session
	h.mu.RUnlock()
	if session == nil {
		return nil, errNoAgent
	}
	return session.Open()
}

// ServeListener forwards every connection accepted on l into its own
// tunnel stream. Blocks until the listener closes.
func (h *Hub) ServeListener(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go h.proxy(conn)
	}
}

func (h *Hub) proxy(conn net.Conn) {
	defer conn.Close()

	stream, err := h.OpenStream()
	if err != nil {
		log.Printf("tunnel hub: %v", err)
		return
	}
	defer stream.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(stream, conn)
		close(done)
	}()
	io.Copy(conn, stream)
	<-done
}
