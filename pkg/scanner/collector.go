package scanner

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/scottpeterman/gosnmpscan/pkg/fingerprint"
	"github.com/scottpeterman/gosnmpscan/pkg/snmp"
)

// StandardOIDs is the system group battery issued to every agent.
var StandardOIDs = []string{
	snmp.OIDSysDescr,
	snmp.OIDSysObjectID,
	snmp.OIDSysName,
	snmp.OIDSysUpTime,
	snmp.OIDSysContact,
	snmp.OIDSysLocation,
	snmp.OIDSysServices,
}

// Collector gathers the attribute battery for one open session: the
// system group, every fingerprint OID in the rule set, the sources
// extraction patterns read and the ENTITY-MIB chassis row.
type Collector struct {
	log logrus.FieldLogger
}

// NewCollector returns a collector logging to log.
func NewCollector(log logrus.FieldLogger) *Collector {
	if log == nil {
		log = discard()
	}
	return &Collector{log: log}
}

// OIDs returns the de-duplicated GET list for rules.
func (c *Collector) OIDs(rules *fingerprint.RuleSet) []string {
	seen := make(map[string]bool)
	var oids []string
	add := func(list ...string) {
		for _, oid := range list {
			oid = snmp.NormalizeOID(oid)
			if oid != "" && !seen[oid] {
				seen[oid] = true
				oids = append(oids, oid)
			}
		}
	}

	add(StandardOIDs...)
	add(rules.FingerprintOIDs()...)
	add(rules.ExtractionSources()...)
	for _, column := range fingerprint.EntityColumns {
		add(column + ".1")
	}
	return oids
}

// Collect issues the battery against sess. Objects the agent does not
// implement are simply absent from the result; only a context error is
// returned.
func (c *Collector) Collect(ctx context.Context, sess snmp.Session, rules *fingerprint.RuleSet, seed map[string]string) (map[string]string, error) {
	values := make(map[string]string, len(seed)+16)
	for k, v := range seed {
		values[k] = v
	}

	var pending []string
	for _, oid := range c.OIDs(rules) {
		if _, ok := values[oid]; !ok {
			pending = append(pending, oid)
		}
	}

	got, err := sess.GetMany(ctx, pending)
	for k, v := range got {
		values[k] = v
	}
	if err != nil {
		if ctx.Err() != nil {
			return values, ctx.Err()
		}
		c.log.WithError(err).Debug("fingerprint OID batch incomplete")
	}

	c.walkEntityColumns(ctx, sess, values)
	return values, ctx.Err()
}

// walkEntityColumns fetches the first few rows of any entPhysicalTable
// column whose index 1 is missing. Many chassis number their rows from
// 1001 or higher.
func (c *Collector) walkEntityColumns(ctx context.Context, sess snmp.Session, values map[string]string) {
	for _, column := range fingerprint.EntityColumns {
		if ctx.Err() != nil {
			return
		}
		if _, ok := values[column+".1"]; ok {
			continue
		}
		vars, err := sess.GetBulk(ctx, column, 0, 4)
		if err != nil {
			c.log.WithError(err).WithField("column", column).Debug("entity walk failed")
			continue
		}
		prefix := column + "."
		for _, v := range vars {
			if !strings.HasPrefix(v.OID, prefix) {
				break
			}
			if snmp.IsValidValue(v.Value) {
				values[v.OID] = v.Value
			}
		}
	}
}
