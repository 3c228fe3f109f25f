package pipeline

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

// TCPProbe dials a list of host:port targets and reports the network as
// available when any of them accepts a connection.
type TCPProbe struct {
	Targets []string
	Timeout time.Duration
}

// NewTCPProbe creates a probe for the given targets.
func NewTCPProbe(timeout time.Duration, targets ...string) *TCPProbe {
	return &TCPProbe{Targets: targets, Timeout: timeout}
}

// IsNetworkAvailable implements NetworkProbe.
func (p *TCPProbe) IsNetworkAvailable(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	for _, target := range p.Targets {
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			continue
		}
		conn.Close()
		return true
	}
	return false
}

// HTTPProbe issues a GET to URL and reports the network as available when
// the response status matches ExpectStatus (200 by default).
type HTTPProbe struct {
	URL          string
	ExpectStatus int
	Client       *http.Client
}

// NewHTTPProbe creates a probe for url.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &HTTPProbe{
		URL:          url,
		ExpectStatus: http.StatusOK,
		Client:       &http.Client{Timeout: timeout},
	}
}

// IsNetworkAvailable implements NetworkProbe.
func (p *HTTPProbe) IsNetworkAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	expect := p.ExpectStatus
	if expect == 0 {
		expect = http.StatusOK
	}
	return resp.StatusCode == expect
}

// StaticProbe reports a fixed availability that can be flipped at runtime.
type StaticProbe struct {
	available atomic.Bool
}

// NewStaticProbe creates a probe reporting available.
func NewStaticProbe(available bool) *StaticProbe {
	p := &StaticProbe{}
	p.available.Store(available)
	return p
}

// Set changes the reported availability.
func (p *StaticProbe) Set(available bool) {
	p.available.Store(available)
}

// IsNetworkAvailable implements NetworkProbe.
func (p *StaticProbe) IsNetworkAvailable(context.Context) bool {
	return p.available.Load()
}
