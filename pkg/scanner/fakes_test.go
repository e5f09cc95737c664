package scanner

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scottpeterman/gosnmpscan/pkg/fingerprint"
	"github.com/scottpeterman/gosnmpscan/pkg/prober"
	"github.com/scottpeterman/gosnmpscan/pkg/snmp"
	"github.com/scottpeterman/gosnmpscan/pkg/targets"
)

const scanRules = `
vendors:
  cisco:
    enterprise_oid: "1.3.6.1.4.1.9"
    detection_patterns: [cisco, catalyst]
    definitive_patterns:
      - {pattern: cisco ios software, confidence: 100}
    fingerprint_oids:
      - {name: Chassis Serial Number, oid: "1.3.6.1.4.1.9.3.6.3.0", priority: 2}
    device_types:
      - {regex: "c9[0-9]{3}|catalyst", type: switch}
    extraction_patterns:
      - {name: ios_version, regex: 'Version ([^,\s]+)', field: firmware_version}
  juniper:
    fingerprint_oids:
      - {name: Juniper Box Description, oid: "1.3.6.1.4.1.2636.3.1.2.0", definitive: true, priority: 1}
`

func loadRules(t *testing.T) *fingerprint.RuleSet {
	t.Helper()
	rs, err := fingerprint.Parse([]byte(scanRules))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return rs
}

var errNoResponse = errors.New("request timeout (after 1 retries)")

// fakeSession answers from a fixed OID table. A dead session fails
// every request the way an agent with the wrong community does.
type fakeSession struct {
	values map[string]string
	dead   bool

	mu     sync.Mutex
	closed bool
	gets   int
}

func (s *fakeSession) Get(ctx context.Context, oid string) (string, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.dead {
		return "", errNoResponse
	}
	return s.values[oid], nil
}

func (s *fakeSession) GetMany(ctx context.Context, oids []string) (map[string]string, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.dead {
		return nil, errNoResponse
	}
	out := make(map[string]string)
	for _, oid := range oids {
		if v, ok := s.values[oid]; ok && snmp.IsValidValue(v) {
			out[oid] = v
		}
	}
	return out, nil
}

func (s *fakeSession) GetBulk(ctx context.Context, oid string, _, maxRepetitions uint8) ([]snmp.SNMPVariable, error) {
	if s.dead {
		return nil, errNoResponse
	}
	var keys []string
	for k := range s.values {
		if strings.HasPrefix(k, oid+".") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var out []snmp.SNMPVariable
	for _, k := range keys {
		if len(out) == int(maxRepetitions) {
			break
		}
		out = append(out, snmp.SNMPVariable{OID: k, Value: s.values[k], Type: "OctetString"})
	}
	// Past the end of the column the agent returns the next object.
	if len(out) < int(maxRepetitions) {
		out = append(out, snmp.SNMPVariable{OID: "1.3.6.1.2.1.47.1.2.1.1.2.1", Value: "next", Type: "OctetString"})
	}
	return out, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// fakeDialer hands out sessions keyed by credential label and records
// the order of attempts.
type fakeDialer struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	dialed   []string
}

func (d *fakeDialer) Dial(_ context.Context, target string, cred snmp.Credential) (snmp.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, target+" "+cred.Label())
	if s, ok := d.sessions[cred.Label()]; ok {
		return s, nil
	}
	return &fakeSession{dead: true}, nil
}

func (d *fakeDialer) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

// fakeProber reports the configured responsive ports per host; hosts
// not listed are unreachable.
type fakeProber struct {
	open map[string][]int

	mu    sync.Mutex
	calls int
}

func (p *fakeProber) Probe(_ context.Context, host string, _ []int, _ time.Duration) prober.Result {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	ports, ok := p.open[host]
	if !ok {
		return prober.Result{}
	}
	return prober.Result{Reachable: true, ResponsivePorts: ports}
}

// negotiatorFunc adapts a function to Negotiator.
type negotiatorFunc func(ctx context.Context, t targets.Target) (fingerprint.Attributes, error)

func (f negotiatorFunc) Negotiate(ctx context.Context, t targets.Target, _ *Credentials, _ *fingerprint.RuleSet) (fingerprint.Attributes, error) {
	return f(ctx, t)
}

func ciscoAttrs() fingerprint.Attributes {
	return fingerprint.Attributes{
		Values: map[string]string{
			snmp.OIDSysDescr: "Cisco IOS Software, C9300 Software (CAT9K_IOSXE), Version 17.3.4",
			snmp.OIDSysName:  "core-sw1",
		},
		Version:    "v2c",
		Credential: "public (v2c)",
		Reachable:  true,
	}
}

func targetList(ips ...string) []targets.Target {
	out := make([]targets.Target, len(ips))
	for i, ip := range ips {
		out[i] = targets.Target{IP: ip}
	}
	return out
}

func drain(ch <-chan Record) []Record {
	var out []Record
	for r := range ch {
		out = append(out, r)
	}
	return out
}
