package fingerprint

import (
	"sort"
	"strings"
	"time"

	"github.com/scottpeterman/gosnmpscan/pkg/snmp"
)

// symbolic names accepted wherever a rule names an attribute source.
var symbolicOIDs = map[string]string{
	"sysdescr":    snmp.OIDSysDescr,
	"sysobjectid": snmp.OIDSysObjectID,
	"sysuptime":   snmp.OIDSysUpTime,
	"syscontact":  snmp.OIDSysContact,
	"sysname":     snmp.OIDSysName,
	"syslocation": snmp.OIDSysLocation,
	"sysservices": snmp.OIDSysServices,
}

// ResolveSource maps a symbolic name such as "sysDescr" or a dotted OID
// to the OID key used in Attributes.
func ResolveSource(name string) (string, bool) {
	if oid, ok := symbolicOIDs[strings.ToLower(strings.TrimSpace(name))]; ok {
		return oid, true
	}
	if snmp.ValidOID(name) {
		return snmp.NormalizeOID(name), true
	}
	return "", false
}

// Attributes is the raw attribute bag collected from one device.
// Values is keyed by normalized OID.
type Attributes struct {
	Values     map[string]string `json:"values,omitempty"`
	Version    string            `json:"snmp_version,omitempty"`
	Credential string            `json:"credential_used,omitempty"`
	Latency    time.Duration     `json:"latency,omitempty"`
	Reachable  bool              `json:"reachable"`
}

// Get returns the value for a symbolic name or OID, or "".
func (a Attributes) Get(key string) string {
	oid, ok := ResolveSource(key)
	if !ok {
		return ""
	}
	return a.Values[oid]
}

func (a Attributes) SysDescr() string    { return a.Values[snmp.OIDSysDescr] }
func (a Attributes) SysObjectID() string { return a.Values[snmp.OIDSysObjectID] }
func (a Attributes) SysName() string     { return a.Values[snmp.OIDSysName] }

// Has reports whether oid carries a usable value.
func (a Attributes) Has(oid string) bool {
	return snmp.IsValidValue(a.Values[snmp.NormalizeOID(oid)])
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	c := a
	if a.Values != nil {
		c.Values = make(map[string]string, len(a.Values))
		for k, v := range a.Values {
			c.Values[k] = v
		}
	}
	return c
}

// firstUnder returns the value of the lowest-indexed instance below
// column, e.g. the first populated entPhysicalModelName row.
func (a Attributes) firstUnder(column string) string {
	if v := a.Values[column+".1"]; snmp.IsValidValue(v) {
		return v
	}
	prefix := column + "."
	var keys []string
	for k, v := range a.Values {
		if strings.HasPrefix(k, prefix) && snmp.IsValidValue(v) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Slice(keys, func(i, j int) bool { return compareOID(keys[i], keys[j]) < 0 })
	return a.Values[keys[0]]
}

// compareOID orders dotted OIDs arc by arc numerically.
func compareOID(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if len(pa[i]) != len(pb[i]) {
			if len(pa[i]) < len(pb[i]) {
				return -1
			}
			return 1
		}
		if c := strings.Compare(pa[i], pb[i]); c != 0 {
			return c
		}
	}
	return len(pa) - len(pb)
}
