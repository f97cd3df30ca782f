// Package tunnel bridges the shim daemon's unix socket to a remote machine.
// The agent runs next to the daemon and dials out to a hub over a websocket;
// yamux multiplexes protocol connections over that single websocket, and
// each stream terminates at the daemon socket. Outbound-only dialing means
// the daemon host needs no open inbound port.
package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
)

// secretHeader authenticates the agent to the hub.
const secretHeader = "X-Tunnel-Secret"

// Agent is the daemon-side end of the tunnel.
type Agent struct {
	hubURL     string // wss://host/tunnel
	secret     string
	socketPath string // local shim daemon socket

	// AllowInsecureTLS accepts self-signed hub certificates; the shared
	// secret still authenticates the connection.
	AllowInsecureTLS bool
}

func NewAgent(hubURL, secret, socketPath string) *Agent {
	return &Agent{hubURL: hubURL, secret: secret, socketPath: socketPath}
}

// Run keeps the tunnel up until ctx is canceled, reconnecting with capped
// exponential backoff.
func (a *Agent) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		err := a.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("tunnel: %v; reconnecting in %s", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
		} else {
			backoff = time.Second
		}
	}
}

func (a *Agent) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if a.AllowInsecureTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	header.Set(secretHeader, a.secret)

	wsConn, _, err := dialer.DialContext(ctx, a.hubURL, header)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer wsConn.Close()
	log.Printf("tunnel: connected to hub %s", a.hubURL)

	// The agent is the yamux server: the hub opens a stream per remote
	// client connection.
	session, err := yamux.Server(newWSStream(wsConn), yamux.DefaultConfig())
	if err != nil {
		return fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()

	go func() {
		<-ctx.Done()
		session.Close()
	}()

	for {
		stream, err := session.Accept()
		if err != nil {
			return fmt.Errorf("accept stream: %w", err)
		}
		go a.handleStream(stream)
	}
}

// handleStream splices one remote protocol connection onto the daemon
// socket.
func (a *Agent) handleStream(stream net.Conn) {
	defer stream.Close()

	local, err := net.Dial("unix", a.socketPath)
	if err != nil {
		log.Printf("tunnel: dial daemon socket %s: %v", a.socketPath, err)
		return
	}
	defer local.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(local, stream)
		close(done)
	}()
	io.Copy(stream, local)
	<-done
}
