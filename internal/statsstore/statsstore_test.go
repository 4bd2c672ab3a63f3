package statsstore

import "testing"

func TestClamp(t *testing.T) {
	cases := []struct {
		v, lo, hi, want float64
	}{
		{-5, 0, 100, 0},
		{150, 0, 100, 100},
		{50, 0, 100, 50},
	}
	for _, c := range cases {
		if got := clamp(c.v, c.lo, c.hi); got != c.want {
			t.Errorf("clamp(%v, %v, %v) = %v, want %v", c.v, c.lo, c.hi, got, c.want)
		}
	}
}

func TestPeriodDuration(t *testing.T) {
	if Period1h.duration().Hours() != 1 {
		t.Errorf("expected 1h period to be 1 hour")
	}
	if Period24h.duration().Hours() != 24 {
		t.Errorf("expected 24h period to be 24 hours")
	}
	if Period7d.duration().Hours() != 24*7 {
		t.Errorf("expected 7d period to be 168 hours")
	}
}

func TestQueryResultAggregation(t *testing.T) {
	lat1, lat2 := 10, 30
	samples := []Sample{
		{Uptime: 60, LatencyMs: &lat1, ReconnectCount: 1, DisconnectReason: "network_change"},
		{Uptime: 30, LatencyMs: &lat2, ReconnectCount: 2, DisconnectReason: "network_change"},
	}

	result := QueryResult{DisconnectReasons: map[string]int{}}
	var latencySum float64
	var latencyCount int
	for _, s := range samples {
		result.TotalUptime += s.Uptime
		if s.LatencyMs != nil {
			latencySum += float64(*s.LatencyMs)
			latencyCount++
		}
		if s.ReconnectCount > result.ReconnectCount {
			result.ReconnectCount = s.ReconnectCount
		}
		if s.DisconnectReason != "" {
			result.DisconnectReasons[s.DisconnectReason]++
		}
	}

	if result.TotalUptime != 90 {
		t.Errorf("expected total uptime 90, got %d", result.TotalUptime)
	}
	if result.ReconnectCount != 2 {
		t.Errorf("expected reconnect count 2 (max, not sum), got %d", result.ReconnectCount)
	}
	if result.DisconnectReasons["network_change"] != 2 {
		t.Errorf("expected 2 network_change reasons, got %d", result.DisconnectReasons["network_change"])
	}
	avg := latencySum / float64(latencyCount)
	if avg != 20 {
		t.Errorf("expected avg latency 20, got %v", avg)
	}
}
