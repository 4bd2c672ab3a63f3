// Package portscan implements a batched TCP sweep of 127.0.0.1,
// classifying any open port not already owned by a tunnel worker. The
// SOCKS5 greeting bytes probed here are the same ones internal/socks5
// serves, sent in the opposite direction.
package portscan

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	batchSize      = 500
	connectTimeout = 150 * time.Millisecond
	probeConnect   = 500 * time.Millisecond
	probeRead      = 300 * time.Millisecond
	minPort        = 1
	maxPort        = 65535
)

// ProxyType classifies what a detected open port speaks.
type ProxyType string

const (
	ProxySOCKS5  ProxyType = "SOCKS5"
	ProxySOCKS4  ProxyType = "SOCKS4"
	ProxyHTTP    ProxyType = "HTTP"
	ProxyUnknown ProxyType = "Unknown"
)

// AuthMode describes what a detected SOCKS5 proxy advertised.
type AuthMode string

const (
	AuthNoAuth  AuthMode = "no-auth"
	AuthUserPass AuthMode = "user-pass"
	AuthUnknown AuthMode = "unknown"
)

// Finding is one classified open port.
type Finding struct {
	Port          int       `json:"port"`
	ProxyType     ProxyType `json:"proxyType"`
	AdvertisedAuth AuthMode `json:"advertisedAuth"`
}

// OwnedCheck reports whether a port is already owned by a tunnel worker
// (such ports are skipped — findings only cover external listeners).
type OwnedCheck func(port int) bool

// Progress is an observable scan progress snapshot.
type Progress struct {
	Scanned int
	Total   int
}

// Scanner runs the port sweep.
type Scanner struct {
	owned OwnedCheck

	mu       sync.Mutex
	scanned  int32
	total    int32
	running  bool
}

// New constructs a Scanner. owned may be nil (treated as "nothing owned").
func New(owned OwnedCheck) *Scanner {
	if owned == nil {
		owned = func(int) bool { return false }
	}
	return &Scanner{owned: owned, total: maxPort}
}

// Progress returns the current scan progress (scanned/total ratio).
func (s *Scanner) Progress() Progress {
	return Progress{
		Scanned: int(atomic.LoadInt32(&s.scanned)),
		Total:   int(atomic.LoadInt32(&s.total)),
	}
}

// ScanAllPorts sweeps 1..65535 in batches of 500 and returns the
// classification of every open port not in the owned set. Open ports in
// the owned set are neither probed nor returned.
func (s *Scanner) ScanAllPorts() []Finding {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	atomic.StoreInt32(&s.scanned, 0)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var findings []Finding
	var findingsMu sync.Mutex

	for batchStart := minPort; batchStart <= maxPort; batchStart += batchSize {
		batchEnd := batchStart + batchSize - 1
		if batchEnd > maxPort {
			batchEnd = maxPort
		}

		var wg sync.WaitGroup
		for port := batchStart; port <= batchEnd; port++ {
			wg.Add(1)
			go func(port int) {
				defer wg.Done()
				defer atomic.AddInt32(&s.scanned, 1)

				if !probeOpen(port) {
					return
				}
				if s.owned(port) {
					return
				}
				proxyType, auth := detectProxyInfo(port)
				findingsMu.Lock()
				findings = append(findings, Finding{Port: port, ProxyType: proxyType, AdvertisedAuth: auth})
				findingsMu.Unlock()
			}(port)
		}
		wg.Wait()
	}

	return findings
}

func probeOpen(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), connectTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// detectProxyInfo classifies an open port: SOCKS5 greeting probe first,
// then a literal HTTP CONNECT probe. All probe sockets close on every
// exit path.
func detectProxyInfo(port int) (ProxyType, AuthMode) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	conn, err := net.DialTimeout("tcp", addr, probeConnect)
	if err != nil {
		return ProxyUnknown, AuthUnknown
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(probeRead))
	conn.Write([]byte{0x05, 0x01, 0x00})

	reader := bufio.NewReader(conn)
	first, err := reader.ReadByte()
	if err == nil {
		switch first {
		case 0x05:
			second, err2 := reader.ReadByte()
			if err2 == nil && second == 0x00 {
				return ProxySOCKS5, AuthNoAuth
			}
			return ProxySOCKS5, AuthUserPass
		case 0x04:
			return ProxySOCKS4, AuthUnknown
		}
	}

	conn.Close()
	httpConn, err := net.DialTimeout("tcp", addr, probeConnect)
	if err != nil {
		return ProxyUnknown, AuthUnknown
	}
	defer httpConn.Close()

	httpConn.SetDeadline(time.Now().Add(probeRead))
	fmt.Fprintf(httpConn, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")

	httpReader := bufio.NewReader(httpConn)
	line, err := httpReader.ReadString('\n')
	if err == nil && len(line) >= 5 && line[:5] == "HTTP/" {
		return ProxyHTTP, AuthUnknown
	}

	return ProxyUnknown, AuthUnknown
}
