// Package targets turns target specifications (CIDR ranges, addresses,
// hostnames, target files) into the list of hosts a scan visits.
package targets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// DefaultMaxTargets bounds a single scan invocation.
const DefaultMaxTargets = 65536

// ErrTooManyTargets is returned when expansion exceeds the limit.
var ErrTooManyTargets = errors.New("target list exceeds limit")

// Target is one host to evaluate.
type Target struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
}

func (t Target) String() string {
	if t.Hostname != "" {
		return fmt.Sprintf("%s (%s)", t.Hostname, t.IP)
	}
	return t.IP
}

// ParseError reports a target specification that could not be used.
type ParseError struct {
	Spec   string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid target %q: %s", e.Spec, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Resolver looks up hostnames. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Options tunes Parse.
type Options struct {
	MaxTargets int
	Resolver   Resolver
}

// Parse expands specs in order and removes duplicates, keeping the
// first occurrence. A spec is a CIDR block, an IP address or a hostname.
func Parse(ctx context.Context, specs []string, opts Options) ([]Target, error) {
	limit := opts.MaxTargets
	if limit <= 0 {
		limit = DefaultMaxTargets
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	var out []Target
	seen := make(map[string]bool)
	add := func(t Target) error {
		if seen[t.IP] {
			return nil
		}
		if len(out) >= limit {
			return fmt.Errorf("%w of %d", ErrTooManyTargets, limit)
		}
		seen[t.IP] = true
		out = append(out, t)
		return nil
	}

	for _, raw := range specs {
		spec := strings.TrimSpace(raw)
		if spec == "" || strings.HasPrefix(spec, "#") {
			continue
		}

		switch {
		case strings.Contains(spec, "/"):
			ips, err := expandCIDR(spec, limit)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				if err := add(Target{IP: ip}); err != nil {
					return nil, err
				}
			}
		case net.ParseIP(spec) != nil:
			if err := add(Target{IP: net.ParseIP(spec).String()}); err != nil {
				return nil, err
			}
		default:
			ip, err := resolve(ctx, resolver, spec)
			if err != nil {
				return nil, err
			}
			if err := add(Target{IP: ip, Hostname: spec}); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func expandCIDR(cidr string, limit int) ([]string, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, &ParseError{Spec: cidr, Reason: "malformed CIDR", Err: err}
	}

	ones, bits := ipNet.Mask.Size()
	if host := bits - ones; host > 30 || 1<<host > limit+2 {
		return nil, fmt.Errorf("%w: %s has 2^%d addresses, limit %d", ErrTooManyTargets, cidr, host, limit)
	}

	var ips []string
	for ip := ipNet.IP.Mask(ipNet.Mask); ipNet.Contains(ip); inc(ip) {
		ips = append(ips, ip.String())
	}

	// Drop network and broadcast addresses below /31.
	if bits == 32 && ones < 31 && len(ips) > 2 {
		ips = ips[1 : len(ips)-1]
	}
	return ips, nil
}

func inc(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

func resolve(ctx context.Context, r Resolver, host string) (string, error) {
	if !validHostname(host) {
		return "", &ParseError{Spec: host, Reason: "not an address, CIDR or hostname"}
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return "", &ParseError{Spec: host, Reason: "hostname does not resolve", Err: err}
	}
	// Prefer IPv4; SNMP agents on management networks rarely listen on v6 only.
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return ip.String(), nil
		}
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			return ip.String(), nil
		}
	}
	return "", &ParseError{Spec: host, Reason: "hostname has no addresses"}
}

func validHostname(host string) bool {
	if len(host) == 0 || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			if !(c == '-' || c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
				return false
			}
		}
	}
	return true
}

// LoadFile reads one target specification per line. Blank lines and
// lines starting with # are skipped.
func LoadFile(filename string) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var specs []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			specs = append(specs, line)
		}
	}
	return specs, scanner.Err()
}
