package server

// MetricsReporter receives server and session lifecycle events. The
// Prometheus collector implements it; a no-op reporter is used when no
// reporter is supplied.
type MetricsReporter interface {
	// SessionStarted is called when an accepted connection obtained a
	// session permit.
	SessionStarted()

	// SessionEnded is called when a session task finishes.
	SessionEnded()

	// ConnectionDropped is called when a connection is refused before a
	// session exists (permits exhausted, accept rate exceeded).
	ConnectionDropped(reason string)

	// RequestHandled is called once per dispatched request with the
	// request kind and the response kind (or "error").
	RequestHandled(kind, result string)

	// SessionKicked is called when a session is terminated by the server
	// (stall, rate limit, duplicate id).
	SessionKicked(reason string)
}

// nopMetrics is the default no-op reporter.
type nopMetrics struct{}

func (nopMetrics) SessionStarted()               {}
func (nopMetrics) SessionEnded()                 {}
func (nopMetrics) ConnectionDropped(string)      {}
func (nopMetrics) RequestHandled(string, string) {}
func (nopMetrics) SessionKicked(string)          {}
