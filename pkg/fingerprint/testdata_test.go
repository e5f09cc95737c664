package fingerprint

import (
	"testing"

	"github.com/scottpeterman/gosnmpscan/pkg/snmp"
)

const testRules = `
version: "2.1"
metadata:
  description: test fixture
scoring:
  threshold: 30
  oid_weight: 25
  pattern_weight: 20
  enterprise_oid_weight: 40
  ceiling: 90
vendors:
  cisco:
    display_name: Cisco Systems
    enterprise_oid: "1.3.6.1.4.1.9"
    detection_patterns: ["cisco", "catalyst"]
    definitive_patterns:
      - pattern: "cisco ios software"
        confidence: 100
      - regex: "cisco nx-os"
    fingerprint_oids:
      - name: Cisco Image String
        oid: "1.3.6.1.4.1.9.9.25.1.1.1.2.5"
        priority: 2
      - name: Chassis Serial Number
        oid: "1.3.6.1.4.1.9.3.6.3.0"
        priority: 3
    device_types:
      - pattern: catalyst
        type: switch
      - regex: "c9[0-9]{3}"
        type: switch
      - pattern: isr
        type: router
    extraction_patterns:
      - name: ios_version
        regex: 'Version ([^,\s]+)'
        field: firmware_version
      - name: serial_from_descr
        regex: 'Serial Number: (\S+)'
        field: serial_number
      - name: model_from_descr
        regex: '(C9[0-9]{3}[A-Z0-9-]*)'
        field: model
  juniper:
    display_name: Juniper Networks
    enterprise_oid: "1.3.6.1.4.1.2636"
    detection_patterns: ["juniper", "junos"]
    definitive_patterns: ["juniper networks"]
    fingerprint_oids:
      - name: Juniper Box Description
        oid: "1.3.6.1.4.1.2636.3.1.2.0"
        definitive: true
        priority: 1
      - name: Juniper Box Serial Number
        oid: "1.3.6.1.4.1.2636.3.1.3.0"
    device_types:
      - pattern: " ex"
        type: switch
      - pattern: " srx"
        type: firewall
  aruba:
    display_name: Aruba
    detection_patterns: ["aruba", "arubaos"]
    exclusion_patterns: ["procurve"]
    fingerprint_oids:
      - name: Aruba Model
        oid: "1.3.6.1.4.1.14823.2.2.1.1.1.2.0"
        definitive: true
        priority: 1
        expected_values: ["aruba"]
    device_types:
      - access_point
  hp:
    display_name: HP
    detection_patterns: ["hewlett", "procurve"]
    device_types:
      - pattern: procurve
        type: switch
`

func mustParse(t *testing.T, doc string) *RuleSet {
	t.Helper()
	rs, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return rs
}

func attrsOf(pairs ...string) Attributes {
	a := Attributes{Values: map[string]string{}, Reachable: true}
	for i := 0; i+1 < len(pairs); i += 2 {
		key := pairs[i]
		if oid, ok := ResolveSource(key); ok {
			key = oid
		}
		a.Values[snmp.NormalizeOID(key)] = pairs[i+1]
	}
	return a
}
