package socks5

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

// fakeDialer connects to a fixed local echo listener regardless of the
// requested address, so tests can assert on the framer without a real
// upstream SSH client.
type fakeDialer struct {
	target string
}

func (d *fakeDialer) Dial(network, addr string) (net.Conn, error) {
	return net.Dial("tcp", d.target)
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(c, c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestGreetingNoAuthAccepted(t *testing.T) {
	echoAddr := startEchoServer(t)
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		Serve(server, &fakeDialer{target: echoAddr}, nil)
	}()

	// GREETING: ver=5, nmethods=1, methods=[no-auth]
	client.Write([]byte{0x05, 0x01, 0x00})
	var resp [2]byte
	io.ReadFull(client, resp[:])
	if resp[0] != 0x05 || resp[1] != 0x00 {
		t.Fatalf("expected [0x05,0x00], got %v", resp)
	}

	sendConnectRequest(t, client, echoAddr)
}

func TestGreetingNoAcceptableMethod(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		Serve(server, &fakeDialer{}, &Credentials{Username: "u", Password: "p"})
		close(done)
	}()

	// Client offers only no-auth, but server requires user/pass.
	client.Write([]byte{0x05, 0x01, 0x00})
	var resp [2]byte
	io.ReadFull(client, resp[:])
	if resp[0] != 0x05 || resp[1] != 0xFF {
		t.Fatalf("expected [0x05,0xFF], got %v", resp)
	}
	<-done
}

func TestAuthSuccess(t *testing.T) {
	echoAddr := startEchoServer(t)
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		Serve(server, &fakeDialer{target: echoAddr}, &Credentials{Username: "alice", Password: "secret"})
	}()

	client.Write([]byte{0x05, 0x01, 0x02})
	var greet [2]byte
	io.ReadFull(client, greet[:])
	if greet[1] != 0x02 {
		t.Fatalf("expected method 0x02 chosen, got %v", greet)
	}

	authReq := []byte{0x01, 5, 'a', 'l', 'i', 'c', 'e', 6, 's', 'e', 'c', 'r', 'e', 't'}
	client.Write(authReq)
	var authResp [2]byte
	io.ReadFull(client, authResp[:])
	if authResp[0] != 0x01 || authResp[1] != 0x00 {
		t.Fatalf("expected auth success [0x01,0x00], got %v", authResp)
	}
}

func TestAuthFailureClosesConnection(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go Serve(server, &fakeDialer{}, &Credentials{Username: "alice", Password: "secret"})

	client.Write([]byte{0x05, 0x01, 0x02})
	var greet [2]byte
	io.ReadFull(client, greet[:])

	authReq := []byte{0x01, 3, 'b', 'o', 'b', 5, 'w', 'r', 'o', 'n', 'g'}
	client.Write(authReq)
	var authResp [2]byte
	io.ReadFull(client, authResp[:])
	if authResp[0] != 0x01 || authResp[1] != 0x01 {
		t.Fatalf("expected auth failure [0x01,0x01], got %v", authResp)
	}
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected connection closed after auth failure, got %v", err)
	}
}

func TestUnsupportedCommandRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go Serve(server, &fakeDialer{}, nil)

	client.Write([]byte{0x05, 0x01, 0x00})
	var greet [2]byte
	io.ReadFull(client, greet[:])

	// BIND command (0x02) instead of CONNECT.
	client.Write([]byte{0x05, 0x02, 0x00, 0x01})
	client.Write(make([]byte, 6))

	var reply [10]byte
	io.ReadFull(client, reply[:])
	if reply[1] != repCmdNotSupported {
		t.Fatalf("expected REP=0x07, got %v", reply[1])
	}
}

func sendConnectRequest(t *testing.T, client net.Conn, targetAddr string) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	ip := net.ParseIP(host).To4()

	req := []byte{0x05, cmdConnect, 0x00, atypIPv4}
	req = append(req, ip...)
	var portBuf [2]byte
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	binary.BigEndian.PutUint16(portBuf[:], uint16(port))
	req = append(req, portBuf[:]...)

	client.Write(req)
	var reply [10]byte
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, reply[:]); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[0] != 0x05 || reply[1] != repSuccess {
		t.Fatalf("expected success reply, got %v", reply)
	}

	// Exercise FORWARDING: echo round-trip.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	client.Write([]byte("ping"))
	buf := make([]byte, 4)
	io.ReadFull(client, buf)
	if string(buf) != "ping" {
		t.Fatalf("expected echoed 'ping', got %q", buf)
	}
}
