package fingerprint

import (
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseValidDocument(t *testing.T) {
	rs := mustParse(t, testRules)

	if rs.Version != "2.1" {
		t.Errorf("Version = %q", rs.Version)
	}
	var order []string
	for _, r := range rs.Rules {
		order = append(order, r.Vendor)
	}
	if got := strings.Join(order, ","); got != "cisco,juniper,aruba,hp" {
		t.Errorf("rule order = %s, want document order", got)
	}

	cisco := rs.Rule("cisco")
	if cisco == nil {
		t.Fatal("cisco rule missing")
	}
	if cisco.DisplayName != "Cisco Systems" {
		t.Errorf("DisplayName = %q", cisco.DisplayName)
	}
	if cisco.DefinitivePatterns[1].Confidence != 100 {
		t.Errorf("default confidence = %d, want 100", cisco.DefinitivePatterns[1].Confidence)
	}
	if got := cisco.ExtractionPatterns[0]; got.CaptureGroup != 1 || got.Source != "sysDescr" {
		t.Errorf("extraction defaults = group %d source %q", got.CaptureGroup, got.Source)
	}

	juniper := rs.Rule("juniper")
	if got := juniper.FingerprintOIDs[1].Priority; got != 10 {
		t.Errorf("default priority = %d, want 10", got)
	}
	if got := juniper.DefinitivePatterns[0].Pattern; got != "juniper networks" {
		t.Errorf("scalar definitive pattern = %q", got)
	}

	aruba := rs.Rule("aruba")
	if len(aruba.DeviceTypes) != 1 || aruba.DeviceTypes[0].Type != "access_point" {
		t.Errorf("scalar device type = %+v", aruba.DeviceTypes)
	}

	if n := len(rs.FingerprintOIDs()); n != 5 {
		t.Errorf("FingerprintOIDs() = %d entries, want 5", n)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"not yaml", "vendors: [", ""},
		{"not a mapping", "- a\n- b\n", "document"},
		{"no vendors", "version: 1\n", "vendors"},
		{"empty vendor key", "vendors:\n  \"\": {display_name: x}\n", "vendors"},
		{"bad oid", "vendors:\n  v:\n    fingerprint_oids:\n      - {name: x, oid: \"1.3.six\"}\n", "fingerprint_oids[0]"},
		{"bad regex", "vendors:\n  v:\n    definitive_patterns:\n      - regex: \"(unclosed\"\n", "definitive_patterns[0]"},
		{"bad confidence", "vendors:\n  v:\n    definitive_patterns:\n      - {pattern: x, confidence: 150}\n", "definitive_patterns[0]"},
		{"device type without type", "vendors:\n  v:\n    device_types:\n      - pattern: x\n", "device_types[0]"},
		{"bad extraction field", "vendors:\n  v:\n    extraction_patterns:\n      - {regex: \"(x)\", field: mac}\n", "extraction_patterns[0]"},
		{"capture group out of range", "vendors:\n  v:\n    extraction_patterns:\n      - {regex: \"x\", field: model}\n", "extraction_patterns[0]"},
		{"unknown source", "vendors:\n  v:\n    extraction_patterns:\n      - {regex: \"(x)\", field: model, source: ifDescr}\n", "extraction_patterns[0]"},
		{"duplicate vendor", "vendors:\n  cisco:\n    definitive_patterns: [cisco ios software]\n  cisco:\n    definitive_patterns: [nothing]\n", "vendors"},
		{"bad scoring", "scoring: {ceiling: 0}\nvendors:\n  v: {}\n", "scoring.ceiling"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatalf("expected error, got rule set with %d rules", rs.Len())
			}
			if !errors.Is(err, ErrInvalidRules) {
				t.Errorf("error %v does not wrap ErrInvalidRules", err)
			}
			if tt.field == "" {
				return
			}
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("error %T is not *LoadError", err)
			}
			if le.Problems[0].Field != tt.field {
				t.Errorf("problem field = %q, want %q", le.Problems[0].Field, tt.field)
			}
		})
	}
}

func TestParseReportsEveryProblem(t *testing.T) {
	doc := `
vendors:
  a:
    fingerprint_oids:
      - {oid: "bogus"}
  b:
    definitive_patterns:
      - regex: "["
    extraction_patterns:
      - {regex: "(x)", field: colour}
`
	_, err := Parse([]byte(doc))
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected *LoadError, got %v", err)
	}
	if len(le.Problems) != 3 {
		t.Errorf("got %d problems, want 3: %v", len(le.Problems), err)
	}
}

func TestPriorityOrder(t *testing.T) {
	doc := `
detection_rules:
  priority_order: [hp, missing, cisco]
vendors:
  cisco: {detection_patterns: [cisco]}
  juniper: {detection_patterns: [juniper]}
  hp: {detection_patterns: [procurve]}
`
	rs := mustParse(t, doc)
	var got []string
	for _, r := range rs.Rules {
		got = append(got, r.Vendor)
	}
	if strings.Join(got, ",") != "hp,cisco,juniper" {
		t.Errorf("order = %v, want [hp cisco juniper]", got)
	}
}

func TestRoundTripPreservesUnknownKeys(t *testing.T) {
	doc := `
version: "1.0"
x-editor:
  last_opened_by: netops
  tabs: [cisco, juniper]
vendors:
  cisco:
    display_name: Cisco
    custom_owner: network-team
    definitive_patterns:
      - pattern: cisco ios software
        confidence: 100
        note: keep me
    fingerprint_oids:
      - name: Image
        oid: "1.3.6.1.4.1.9.9.25.1.1.1.2.5"
        mib_file: CISCO-IMAGE-MIB
`
	rs := mustParse(t, doc)
	out, err := rs.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got map[string]any
	if err := yaml.Unmarshal(out, &got); err != nil {
		t.Fatalf("re-read marshalled document: %v", err)
	}
	editor, ok := got["x-editor"].(map[string]any)
	if !ok || editor["last_opened_by"] != "netops" {
		t.Errorf("top-level unknown key lost: %v", got["x-editor"])
	}
	cisco := got["vendors"].(map[string]any)["cisco"].(map[string]any)
	if cisco["custom_owner"] != "network-team" {
		t.Errorf("vendor-level unknown key lost: %v", cisco)
	}
	pattern := cisco["definitive_patterns"].([]any)[0].(map[string]any)
	if pattern["note"] != "keep me" {
		t.Errorf("pattern-level unknown key lost: %v", pattern)
	}
	oid := cisco["fingerprint_oids"].([]any)[0].(map[string]any)
	if oid["mib_file"] != "CISCO-IMAGE-MIB" {
		t.Errorf("oid-level unknown key lost: %v", oid)
	}

	again := mustParse(t, string(out))
	if again.Rule("cisco").DefinitivePatterns[0].Pattern != "cisco ios software" {
		t.Error("re-parsed document lost rule content")
	}
	out2, err := again.Marshal()
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if string(out) != string(out2) {
		t.Errorf("round trip is not stable:\n%s\n---\n%s", out, out2)
	}
}

func TestShippedRulesParse(t *testing.T) {
	rs, err := LoadFile("../../config/vendor_fingerprints.yaml")
	if err != nil {
		t.Fatalf("shipped rule document is invalid: %v", err)
	}
	if rs.Len() == 0 {
		t.Fatal("shipped rule document has no vendors")
	}
	if rs.Source == "" {
		t.Error("Source not recorded")
	}
}
