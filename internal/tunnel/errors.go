// errors.go classifies connection failures into tagged disconnect reason
// strings. Classification inspects typed errors first (*net.OpError, ssh
// error types, context.DeadlineExceeded) before falling back to keyword
// matching on err.Error() for errors with no distinguishing type.
package tunnel

import (
	"context"
	"errors"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

const maxReasonDetailLen = 100

// ClassifyDisconnect maps err to a tagged reason string.
func ClassifyDisconnect(err error) string {
	if err == nil {
		return "unknown:"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "socket_timeout"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return "socket_timeout"
		}
		switch {
		case opErr.Op == "dial" && isDNSError(opErr):
			return "dns_error:" + truncate(hostFromOpErr(opErr))
		case isRefused(opErr):
			return "connection_refused"
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error:" + truncate(dnsErr.Name)
	}

	var authErr *ssh.ServerAuthError
	if errors.As(err, &authErr) {
		return "auth_failed"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth") || strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "permission denied"):
		return "auth_failed"
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "lookup"):
		return "dns_error:" + truncate(msg)
	case strings.Contains(msg, "refused"):
		return "connection_refused"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline"):
		return "socket_timeout"
	case strings.Contains(msg, "eof") || strings.Contains(msg, "reset by peer") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "closed"):
		return "remote_closed"
	case strings.Contains(msg, "port_busy") || strings.Contains(msg, "address already in use"):
		return "port_busy"
	case strings.Contains(msg, "ssh:"):
		return "ssh_error:" + truncate(msg)
	default:
		return "unknown:" + truncate(msg)
	}
}

func isDNSError(opErr *net.OpError) bool {
	var dnsErr *net.DNSError
	return errors.As(opErr, &dnsErr)
}

func hostFromOpErr(opErr *net.OpError) string {
	if opErr.Addr != nil {
		return opErr.Addr.String()
	}
	return opErr.Error()
}

func isRefused(opErr *net.OpError) bool {
	return strings.Contains(strings.ToLower(opErr.Error()), "refused")
}

func truncate(s string) string {
	if len(s) > maxReasonDetailLen {
		return s[:maxReasonDetailLen]
	}
	return s
}
