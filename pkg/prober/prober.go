// Package prober implements the TCP connect pre-filter that keeps SNMP
// traffic away from hosts that are not up.
package prober

import (
	"context"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultPorts is the port set probed when the caller supplies none.
var DefaultPorts = []int{22, 161, 443}

// Result is the outcome of probing one host.
type Result struct {
	Reachable       bool          `json:"reachable"`
	ResponsivePorts []int         `json:"responsive_ports,omitempty"`
	RTT             time.Duration `json:"rtt"`
	// Skipped is set when no ports were configured and the host was
	// assumed reachable without a probe.
	Skipped bool `json:"skipped,omitempty"`
}

// DialFunc matches (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober probes hosts with concurrent TCP connects.
type Prober struct {
	dial DialFunc
	log  logrus.FieldLogger
}

// Option configures a Prober.
type Option func(*Prober)

// WithDialer replaces the network dialer.
func WithDialer(dial DialFunc) Option {
	return func(p *Prober) { p.dial = dial }
}

// WithLogger sets the logger used for per-port debug output.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Prober) { p.log = log }
}

// New creates a Prober.
func New(opts ...Option) *Prober {
	d := &net.Dialer{}
	p := &Prober{dial: d.DialContext, log: discard()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe attempts a TCP connection to every port in parallel. The host is
// reachable if any port accepts within timeout. Refusals, resets and
// timeouts only mean that port is not responsive, so Probe never fails.
func (p *Prober) Probe(ctx context.Context, host string, ports []int, timeout time.Duration) Result {
	if len(ports) == 0 {
		return Result{Reachable: true, Skipped: true}
	}

	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu         sync.Mutex
		responsive []int
		firstRTT   time.Duration
	)

	var g errgroup.Group
	for _, port := range ports {
		port := port
		g.Go(func() error {
			addr := net.JoinHostPort(host, strconv.Itoa(port))
			conn, err := p.dial(probeCtx, "tcp", addr)
			if err != nil {
				p.log.WithField("port", port).Debugf("tcp probe %s: %v", addr, err)
				return nil
			}
			conn.Close()

			elapsed := time.Since(start)
			mu.Lock()
			responsive = append(responsive, port)
			if firstRTT == 0 || elapsed < firstRTT {
				firstRTT = elapsed
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(responsive)
	return Result{
		Reachable:       len(responsive) > 0,
		ResponsivePorts: responsive,
		RTT:             firstRTT,
	}
}

func discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
