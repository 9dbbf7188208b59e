package rcon

// SetClock overrides the clock a ClientConfig's Session will use, letting tests in rcon_test
// inject a fake [Clock] to deterministically drive keep-alive, server-silence, and reconnect
// backoff timing without waiting on real wall-clock durations. It must be called before the config
// is passed to NewClient, since NewClient's withDefaults call only fills in a realClock when the
// field is still nil.
func SetClock(c *ClientConfig, clk Clock) {
	c.clock = clk
}
