// Package socks5 implements a SOCKS5 framer: a pure state machine over a
// byte stream — GREETING → (AUTH)? → REQUEST → FORWARDING → CLOSED —
// compliant with RFC 1928 and, for username/password auth, RFC 1929.
//
// CONNECT requests are resolved through an injected Dialer rather than a
// direct net.Dial, so the framer can run them over an SSH direct-tcpip
// channel instead of a plain TCP socket.
package socks5

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	verSocks5  byte = 0x05
	verAuth    byte = 0x01
	cmdConnect byte = 0x01

	atypIPv4   byte = 0x01
	atypDomain byte = 0x03
	atypIPv6   byte = 0x04

	methodNoAuth   byte = 0x00
	methodUserPass byte = 0x02
	methodNoAccept byte = 0xFF

	repSuccess        byte = 0x00
	repGeneralFailure byte = 0x01
	repCmdNotSupported byte = 0x07
	repAddrNotSupported byte = 0x08

	phaseTimeout = 30 * time.Second
)

// Credentials, if non-nil, requires RFC 1929 username/password auth.
type Credentials struct {
	Username string
	Password string
}

// Dialer opens a CONNECT target, typically an SSH direct-tcpip channel.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// Counters tracks bytes forwarded on each half of a FORWARDING session.
type Counters struct {
	BytesIn  int64 // client -> target
	BytesOut int64 // target -> client
}

// Serve drives one client connection through the full state machine. It
// blocks until the session closes (FORWARDING ends) or an earlier phase
// fails. auth may be nil, meaning no-auth-required.
func Serve(conn net.Conn, dialer Dialer, auth *Credentials) (Counters, error) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(phaseTimeout)); err != nil {
		return Counters{}, fmt.Errorf("set greeting deadline: %w", err)
	}

	method, err := greeting(conn, auth)
	if err != nil {
		return Counters{}, err
	}

	if method == methodUserPass {
		if err := conn.SetDeadline(time.Now().Add(phaseTimeout)); err != nil {
			return Counters{}, fmt.Errorf("set auth deadline: %w", err)
		}
		if err := authenticate(conn, auth); err != nil {
			return Counters{}, err
		}
	}

	if err := conn.SetDeadline(time.Now().Add(phaseTimeout)); err != nil {
		return Counters{}, fmt.Errorf("set request deadline: %w", err)
	}
	target, err := request(conn)
	if err != nil {
		return Counters{}, err
	}

	targetConn, dialErr := dialer.Dial("tcp", target)
	if dialErr != nil {
		writeReply(conn, repGeneralFailure)
		return Counters{}, fmt.Errorf("dial %s: %w", target, dialErr)
	}
	defer targetConn.Close()

	if err := writeReply(conn, repSuccess); err != nil {
		return Counters{}, fmt.Errorf("write success reply: %w", err)
	}

	// FORWARDING: no deadline, rely on the peer to close.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return Counters{}, fmt.Errorf("clear deadline: %w", err)
	}

	return forward(conn, targetConn), nil
}

func greeting(conn net.Conn, auth *Credentials) (byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return 0, fmt.Errorf("read greeting header: %w", err)
	}
	if hdr[0] != verSocks5 {
		conn.Close()
		return 0, fmt.Errorf("unsupported socks version %d", hdr[0])
	}
	nmethods := int(hdr[1])
	methods := make([]byte, nmethods)
	if nmethods > 0 {
		if _, err := io.ReadFull(conn, methods); err != nil {
			return 0, fmt.Errorf("read greeting methods: %w", err)
		}
	}

	offered := make(map[byte]bool, len(methods))
	for _, m := range methods {
		offered[m] = true
	}

	var chosen byte = methodNoAccept
	if auth != nil {
		if offered[methodUserPass] {
			chosen = methodUserPass
		}
	} else if offered[methodNoAuth] {
		chosen = methodNoAuth
	}

	if _, err := conn.Write([]byte{verSocks5, chosen}); err != nil {
		return 0, fmt.Errorf("write method selection: %w", err)
	}
	if chosen == methodNoAccept {
		conn.Close()
		return 0, fmt.Errorf("no acceptable auth method offered")
	}
	return chosen, nil
}

func authenticate(conn net.Conn, auth *Credentials) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return fmt.Errorf("read auth header: %w", err)
	}
	if hdr[0] != verAuth {
		conn.Close()
		return fmt.Errorf("unsupported auth version %d", hdr[0])
	}

	ulen := int(hdr[1])
	uname := make([]byte, ulen)
	if ulen > 0 {
		if _, err := io.ReadFull(conn, uname); err != nil {
			return fmt.Errorf("read auth username: %w", err)
		}
	}

	var plenByte [1]byte
	if _, err := io.ReadFull(conn, plenByte[:]); err != nil {
		return fmt.Errorf("read auth password length: %w", err)
	}
	plen := int(plenByte[0])
	passwd := make([]byte, plen)
	if plen > 0 {
		if _, err := io.ReadFull(conn, passwd); err != nil {
			return fmt.Errorf("read auth password: %w", err)
		}
	}

	ok := constantTimeEqual(string(uname), auth.Username) && constantTimeEqual(string(passwd), auth.Password)
	if !ok {
		conn.Write([]byte{verAuth, 0x01})
		conn.Close()
		return fmt.Errorf("auth failed")
	}
	if _, err := conn.Write([]byte{verAuth, 0x00}); err != nil {
		return fmt.Errorf("write auth success: %w", err)
	}
	return nil
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still compare something of matching length in constant time to
		// avoid leaking length-dependent timing beyond the initial check.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func request(conn net.Conn) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", fmt.Errorf("read request header: %w", err)
	}
	if hdr[0] != verSocks5 {
		conn.Close()
		return "", fmt.Errorf("unsupported socks version %d", hdr[0])
	}
	cmd, atyp := hdr[1], hdr[3]
	if cmd != cmdConnect {
		writeReply(conn, repCmdNotSupported)
		conn.Close()
		return "", fmt.Errorf("unsupported command %d", cmd)
	}

	var host string
	switch atyp {
	case atypIPv4:
		var addr [4]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return "", fmt.Errorf("read ipv4 address: %w", err)
		}
		host = net.IP(addr[:]).String()
	case atypDomain:
		var lenByte [1]byte
		if _, err := io.ReadFull(conn, lenByte[:]); err != nil {
			return "", fmt.Errorf("read domain length: %w", err)
		}
		dlen := int(lenByte[0])
		if dlen == 0 {
			writeReply(conn, repAddrNotSupported)
			conn.Close()
			return "", fmt.Errorf("zero-length domain")
		}
		domain := make([]byte, dlen)
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", fmt.Errorf("read domain: %w", err)
		}
		host = string(domain)
	case atypIPv6:
		var addr [16]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return "", fmt.Errorf("read ipv6 address: %w", err)
		}
		host = canonicalIPv6(addr)
	default:
		writeReply(conn, repAddrNotSupported)
		conn.Close()
		return "", fmt.Errorf("unsupported address type %d", atyp)
	}

	var portBytes [2]byte
	if _, err := io.ReadFull(conn, portBytes[:]); err != nil {
		return "", fmt.Errorf("read port: %w", err)
	}
	port := binary.BigEndian.Uint16(portBytes[:])

	// The whole request is consumed before an unsupported command is
	// rejected, so no unread bytes are pending when the reply is written.
	if cmd != cmdConnect {
		writeReply(conn, repCmdNotSupported)
		conn.Close()
		return "", fmt.Errorf("unsupported command %d", cmd)
	}

	return net.JoinHostPort(host, fmt.Sprintf("%d", port)), nil
}

// canonicalIPv6 formats a raw 16-byte address with leading zeros trimmed
// per group.
func canonicalIPv6(addr [16]byte) string {
	return net.IP(addr[:]).String()
}

func writeReply(conn net.Conn, rep byte) error {
	// BND.ADDR=0.0.0.0, BND.PORT=0: we don't track the true bound address.
	reply := []byte{verSocks5, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}

// forward runs a bidirectional copy with byte counters. Either half-close
// propagates; the session ends when both halves are done or either errors.
func forward(client, target net.Conn) Counters {
	var counters Counters
	done := make(chan struct{}, 2)

	go func() {
		n, err := io.Copy(target, client)
		counters.BytesIn = n
		if err != nil {
			client.Close()
			target.Close()
		} else if cw, ok := target.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		n, err := io.Copy(client, target)
		counters.BytesOut = n
		if err != nil {
			client.Close()
			target.Close()
		} else if cw, ok := client.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
		done <- struct{}{}
	}()

	<-done
	<-done
	return counters
}
