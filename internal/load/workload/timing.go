package workload

import (
	"context"
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"
)

// Phase metrics recorded next to http_req_duration, in milliseconds.
// Connecting and TLS handshaking are only recorded for requests that
// opened a new connection.
const (
	MetricHTTPReqConnecting     = "http_req_connecting"
	MetricHTTPReqTLSHandshaking = "http_req_tls_handshaking"
	MetricHTTPReqWaiting        = "http_req_waiting"
)

// phaseTimer captures connection phases of one request. The transport may
// invoke the hooks from its own goroutines.
type phaseTimer struct {
	mu sync.Mutex

	connectStart, connectEnd time.Time
	tlsStart, tlsEnd         time.Time
	wroteRequest, firstByte  time.Time
}

func (p *phaseTimer) trace(ctx context.Context) context.Context {
	now := func(t *time.Time) {
		p.mu.Lock()
		*t = time.Now()
		p.mu.Unlock()
	}
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		ConnectStart: func(network, addr string) { now(&p.connectStart) },
		ConnectDone: func(network, addr string, err error) {
			if err == nil {
				now(&p.connectEnd)
			}
		},
		TLSHandshakeStart: func() { now(&p.tlsStart) },
		TLSHandshakeDone: func(state tls.ConnectionState, err error) {
			if err == nil {
				now(&p.tlsEnd)
			}
		},
		WroteRequest:         func(httptrace.WroteRequestInfo) { now(&p.wroteRequest) },
		GotFirstResponseByte: func() { now(&p.firstByte) },
	})
}

// record adds the observed phases to it.
func (p *phaseTimer) record(it *Iteration, tags map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connectStart.IsZero() && !p.connectEnd.IsZero() {
		it.Duration(MetricHTTPReqConnecting, p.connectEnd.Sub(p.connectStart), tags)
	}
	if !p.tlsStart.IsZero() && !p.tlsEnd.IsZero() {
		it.Duration(MetricHTTPReqTLSHandshaking, p.tlsEnd.Sub(p.tlsStart), tags)
	}
	if !p.wroteRequest.IsZero() && !p.firstByte.IsZero() {
		it.Duration(MetricHTTPReqWaiting, p.firstByte.Sub(p.wroteRequest), tags)
	}
}
