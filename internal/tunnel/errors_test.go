package tunnel

import (
	"errors"
	"testing"
)

func TestClassifyDisconnectKeywordFallback(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{errors.New("dial tcp: connection refused"), "connection_refused"},
		{errors.New("i/o timeout"), "socket_timeout"},
		{errors.New("EOF"), "remote_closed"},
		{errors.New("ssh: handshake failed: unable to authenticate"), "auth_failed"},
	}
	for _, c := range cases {
		got := ClassifyDisconnect(c.err)
		if got != c.want {
			t.Errorf("ClassifyDisconnect(%q) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestClassifyDisconnectNil(t *testing.T) {
	if got := ClassifyDisconnect(nil); got != "unknown:" {
		t.Errorf("expected unknown: for nil error, got %q", got)
	}
}

func TestTruncateLongDetail(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	got := truncate(string(long))
	if len(got) != maxReasonDetailLen {
		t.Errorf("expected truncated length %d, got %d", maxReasonDetailLen, len(got))
	}
}
