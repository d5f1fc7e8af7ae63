package tickcache

import "testing"

func TestTickKeyFormat(t *testing.T) {
	if got, want := tickKey("sim", "BTC-USD"), "tick:sim:BTC-USD"; got != want {
		t.Fatalf("tickKey = %q, want %q", got, want)
	}
}

func TestHeartbeatKeyFormat(t *testing.T) {
	if got, want := heartbeatKey("sim"), "heartbeat:sim"; got != want {
		t.Fatalf("heartbeatKey = %q, want %q", got, want)
	}
}

func TestLogMissIgnoresNilError(t *testing.T) {
	c := &Cache{cfg: Config{}.withDefaults()}
	// Should not panic even with no Logger configured and a nil error.
	c.logMiss(nil, "no-op")
}
