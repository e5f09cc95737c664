package prober

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func listen(t *testing.T) (int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() { ln.Close() }
}

// closedPort returns a port that was bound and then released.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestProbeLoopback(t *testing.T) {
	open, stop := listen(t)
	defer stop()
	closed := closedPort(t)

	p := New()
	res := p.Probe(context.Background(), "127.0.0.1", []int{closed, open}, 2*time.Second)
	if !res.Reachable {
		t.Fatalf("expected reachable, got %+v", res)
	}
	if !reflect.DeepEqual(res.ResponsivePorts, []int{open}) {
		t.Errorf("ResponsivePorts = %v, want [%d]", res.ResponsivePorts, open)
	}
	if res.RTT <= 0 {
		t.Errorf("RTT = %v, want > 0", res.RTT)
	}
}

func TestProbeAllRefused(t *testing.T) {
	p := New()
	res := p.Probe(context.Background(), "127.0.0.1", []int{closedPort(t), closedPort(t)}, time.Second)
	if res.Reachable {
		t.Fatalf("expected unreachable, got %+v", res)
	}
	if len(res.ResponsivePorts) != 0 {
		t.Errorf("ResponsivePorts = %v, want none", res.ResponsivePorts)
	}
}

func TestProbeOnlySNMPPortOpen(t *testing.T) {
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, port, _ := net.SplitHostPort(addr)
		if port == "161" {
			c1, c2 := net.Pipe()
			c2.Close()
			return c1, nil
		}
		return nil, errors.New("connection refused")
	}

	p := New(WithDialer(dial))
	res := p.Probe(context.Background(), "10.0.0.1", []int{22, 161, 443}, 2*time.Second)
	if !res.Reachable {
		t.Fatal("expected reachable when only 161 accepts")
	}
	if !reflect.DeepEqual(res.ResponsivePorts, []int{161}) {
		t.Errorf("ResponsivePorts = %v, want [161]", res.ResponsivePorts)
	}
}

func TestProbeTimeout(t *testing.T) {
	var calls atomic.Int32
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p := New(WithDialer(dial))
	start := time.Now()
	res := p.Probe(context.Background(), "10.0.0.2", []int{22, 161, 443}, 50*time.Millisecond)
	if res.Reachable {
		t.Fatal("expected unreachable when every port times out")
	}
	if calls.Load() != 3 {
		t.Errorf("dial calls = %d, want 3", calls.Load())
	}
	// Ports are probed in parallel, so the total is one timeout, not three.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("probe took %v", elapsed)
	}
}

func TestProbeNoPorts(t *testing.T) {
	res := New().Probe(context.Background(), "10.0.0.3", nil, time.Second)
	if !res.Reachable || !res.Skipped {
		t.Errorf("empty port list: got %+v, want reachable and skipped", res)
	}
}

func TestProbeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	open, stop := listen(t)
	defer stop()
	res := New().Probe(ctx, "127.0.0.1", []int{open}, time.Second)
	if res.Reachable {
		t.Error("cancelled probe should not report reachable")
	}
}
