package tunnel

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gluk-w/tunneld/internal/socks5"
	"github.com/gluk-w/tunneld/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

const (
	dialTimeout   = 15 * time.Second
	keepaliveSec  = 15 * time.Second
	drainTimeout  = 2 * time.Second
)

// sshDialer adapts an *ssh.Client to the socks5.Dialer interface, so the
// framer's CONNECT requests open direct-tcpip channels over this worker's
// SSH session.
type sshDialer struct{ client *ssh.Client }

func (d sshDialer) Dial(network, addr string) (net.Conn, error) {
	return d.client.Dial(network, addr)
}

// Start runs the worker's state machine to completion: DIALING through
// CONNECTED (serving SOCKS5 sessions until the context is cancelled or a
// fatal error occurs), then DRAINING → TERMINATED, or FAILED on any
// pre-CONNECTED error. Start blocks until the worker reaches a terminal
// state (TERMINATED or FAILED).
func (w *Worker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.setState(StateDialing, "manager issued start")
	client, err := w.dialAndAuth(runCtx)
	if err != nil {
		reason := ClassifyDisconnect(err)
		w.setState(StateFailed, reason)
		w.emit("error", map[string]interface{}{"message": err.Error()})
		return fmt.Errorf("tunnel %s: %w", w.cfg.ServerID, err)
	}
	w.client = client

	listener, external, err := w.bind()
	if err != nil {
		client.Close()
		reason := ClassifyDisconnect(err)
		w.setState(StateFailed, reason)
		w.emit("error", map[string]interface{}{"message": err.Error()})
		return fmt.Errorf("tunnel %s: %w", w.cfg.ServerID, err)
	}
	w.mu.Lock()
	w.isExternal = external
	w.mu.Unlock()

	if external {
		// BINDING collision owned by someone else: SSH side terminates.
		client.Close()
		w.setState(StateTerminated, "port owned externally")
		return nil
	}

	w.listener = listener
	w.counters.mu.Lock()
	w.counters.connectedAt = time.Now()
	w.counters.mu.Unlock()
	w.setState(StateConnected, fmt.Sprintf("bound %d", w.cfg.SocksPort))
	w.emit("connected", map[string]interface{}{
		"name":      w.cfg.Name,
		"socksPort": w.cfg.SocksPort,
	})

	if listener == nil {
		// Adopted port: there is no listener of our own to serve, so the
		// worker stays CONNECTED until its run context is cancelled.
		<-runCtx.Done()
	} else {
		w.acceptLoop(runCtx)
	}

	w.drain()
	return nil
}

// dialAndAuth performs the DIALING and AUTHENTICATING transitions.
func (w *Worker) dialAndAuth(ctx context.Context) (*ssh.Client, error) {
	addr := net.JoinHostPort(w.cfg.Host, fmt.Sprintf("%d", w.cfg.SSHPort))

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var dialer net.Dialer
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	w.setState(StateAuthenticating, "tcp established")

	auth, err := w.authMethod()
	if err != nil {
		netConn.Close()
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            w.cfg.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	go w.keepaliveLoop(ctx, client)
	return client, nil
}

func (w *Worker) authMethod() (ssh.AuthMethod, error) {
	switch w.cfg.AuthType {
	case "password":
		return ssh.Password(w.cfg.Password), nil
	case "key":
		signer, err := resolveSigner(w.cfg)
		if err != nil {
			return nil, err
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, fmt.Errorf("unsupported auth type %q", w.cfg.AuthType)
	}
}

// bind implements BINDING, including the port-busy protocol: probe the
// busy port to tell a live owner from a stale listener.
func (w *Worker) bind() (net.Listener, bool, error) {
	w.setState(StateBinding, "binding local listener")

	addr := fmt.Sprintf("0.0.0.0:%d", w.cfg.SocksPort)
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		if w.ports != nil {
			w.ports.Claim(w.cfg.SocksPort, w.cfg.ServerID)
		}
		return ln, false, nil
	}

	// Bind failed: probe to see if the port is accepting connections.
	probeConn, probeErr := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", w.cfg.SocksPort), 500*time.Millisecond)
	if probeErr != nil {
		// Port busy but not accepting: one retry, then FAILED.
		ln2, err2 := net.Listen("tcp", addr)
		if err2 != nil {
			return nil, false, fmt.Errorf("port_busy: %w", err2)
		}
		if w.ports != nil {
			w.ports.Claim(w.cfg.SocksPort, w.cfg.ServerID)
		}
		return ln2, false, nil
	}
	probeConn.Close()

	if w.ports != nil && w.ports.IsOwnedByUs(w.cfg.SocksPort) {
		// Adopt as internal ActiveTunnel without owning the listener.
		return nil, false, nil
	}
	// Owned by someone else: external ActiveTunnel, SSH side terminates.
	return nil, true, nil
}

// acceptLoop is the CONNECTED state's accept() loop. On exit — whether
// driven by ctx cancellation or a listener error — it closes the
// listener and the SSH client (unblocking any session parked in
// FORWARDING with no read deadline of its own) before waiting for
// in-flight sessions to finish, bounded by drainTimeout.
func (w *Worker) acceptLoop(ctx context.Context) {
	var wg sync.WaitGroup

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		w.listener.Close()
		if w.client != nil {
			w.client.Close()
		}
	}()

	for {
		conn, err := w.listener.Accept()
		if err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.serveSession(conn)
		}()
	}
	close(stopped)

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(drainTimeout):
		log.Printf("tunnel %s: drain timed out waiting for in-flight sessions", w.cfg.ServerID)
	}
}

func (w *Worker) serveSession(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("tunnel %s: socks session panic: %v", w.cfg.ServerID, r)
		}
	}()

	var creds *socks5.Credentials
	if w.cfg.ProxyUsername != "" && w.cfg.ProxyPassword != "" {
		creds = &socks5.Credentials{Username: w.cfg.ProxyUsername, Password: w.cfg.ProxyPassword}
	}

	counters, err := socks5.Serve(conn, sshDialer{client: w.client}, creds)
	if err != nil {
		// Session failures do not propagate to the worker.
		return
	}
	w.counters.addBytes(counters.BytesIn, counters.BytesOut)
}

// keepaliveLoop sends a periodic SSH keepalive request; on failure it
// synthesizes a disconnect and cancels the run context so acceptLoop
// unwinds into DRAINING.
func (w *Worker) keepaliveLoop(ctx context.Context, client *ssh.Client) {
	ticker := time.NewTicker(keepaliveSec)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@tunneld", true, nil)
			if err != nil {
				reason := "keepalive_timeout"
				w.setState(StateFailed, reason)
				w.emit("disconnected", map[string]interface{}{"reason": reason})
				w.mu.Lock()
				if w.cancel != nil {
					w.cancel()
				}
				w.mu.Unlock()
				return
			}
		}
	}
}

// drain implements DRAINING → TERMINATED. acceptLoop has already closed
// the listener and SSH client and bounded-waited on in-flight sessions
// before returning; this only finalizes port release and uptime accounting.
func (w *Worker) drain() {
	w.setState(StateDraining, "shutting down")
	if w.client != nil {
		w.client.Close()
	}
	if w.ports != nil {
		w.ports.Release(w.cfg.SocksPort)
	}

	w.counters.mu.Lock()
	if !w.counters.connectedAt.IsZero() {
		w.counters.TotalUptime += time.Since(w.counters.connectedAt)
	}
	w.counters.mu.Unlock()

	w.setState(StateTerminated, "drained")
}

// Stop requests a graceful shutdown (user disconnect): cancels the run
// context, which unwinds acceptLoop and proceeds through DRAINING.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// resolveSigner implements §4.6.1's key-auth resolution using the
// pre-resolved material already attached to cfg by the manager (which owns
// the secret-store lookup).
func resolveSigner(cfg Config) (ssh.Signer, error) {
	return sshkeys.Resolve(cfg.PrivateKeyPEM, cfg.KeyPath, cfg.KeyPassphrase)
}
