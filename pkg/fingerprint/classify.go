package fingerprint

import (
	"strings"

	"github.com/scottpeterman/gosnmpscan/pkg/snmp"
)

// Unknown labels an unidentified vendor or device type.
const Unknown = "unknown"

// Method names the tier that produced a verdict.
type Method string

const (
	MethodDefinitiveOID     Method = "definitive_oid"
	MethodDefinitivePattern Method = "definitive_pattern"
	MethodScored            Method = "scored"
	MethodNone              Method = "none"
)

// Evidence is one signal that contributed to a verdict.
type Evidence struct {
	Kind   string `json:"kind"`
	Vendor string `json:"vendor,omitempty"`
	Source string `json:"source"`
	Match  string `json:"match"`
	Weight int    `json:"weight,omitempty"`
}

// Verdict is the classification of one device.
type Verdict struct {
	Vendor     string     `json:"vendor"`
	DeviceType string     `json:"device_type"`
	Confidence int        `json:"confidence"`
	Method     Method     `json:"method"`
	Evidence   []Evidence `json:"evidence,omitempty"`
}

// Known reports whether a vendor was identified.
func (v Verdict) Known() bool { return v.Vendor != "" && v.Vendor != Unknown }

// Classify identifies the vendor and device type described by attrs.
// Tiers run in order and the first decisive one wins: definitive OID,
// definitive sysDescr pattern, weighted scoring. The result depends only
// on its inputs.
func Classify(attrs Attributes, rules *RuleSet) Verdict {
	if rules == nil {
		rules = EmptyRuleSet()
	}
	in := newInput(attrs)

	verdict, ok := definitiveOID(in, rules)
	if !ok {
		verdict, ok = definitivePattern(in, rules)
	}
	if !ok {
		verdict = scored(in, rules)
	}

	resolveDeviceType(&verdict, in, rules)
	return verdict
}

type input struct {
	attrs     Attributes
	descr     string
	descrLow  string
	objectID  string
	objectLow string
}

func newInput(attrs Attributes) input {
	descr := attrs.SysDescr()
	oid := snmp.NormalizeOID(attrs.SysObjectID())
	return input{
		attrs:     attrs,
		descr:     descr,
		descrLow:  strings.ToLower(descr),
		objectID:  oid,
		objectLow: strings.ToLower(oid),
	}
}

func (in input) excluded(r *Rule) bool {
	for _, p := range r.ExclusionPatterns {
		if strings.Contains(in.descrLow, p) || strings.Contains(in.objectLow, p) {
			return true
		}
	}
	return false
}

// oidHit reports whether f is present with a usable value that
// satisfies its expected_values, if any.
func (in input) oidHit(f FingerprintOID) (string, bool) {
	value := in.attrs.Values[f.OID]
	if !snmp.IsValidValue(value) {
		return "", false
	}
	if len(f.ExpectedValues) == 0 {
		return value, true
	}
	lower := strings.ToLower(value)
	for _, want := range f.ExpectedValues {
		if strings.Contains(lower, strings.ToLower(want)) {
			return value, true
		}
	}
	return "", false
}

type oidCandidate struct {
	vendor string
	oid    FingerprintOID
	value  string
}

func (a oidCandidate) beats(b oidCandidate) bool {
	if a.oid.Priority != b.oid.Priority {
		return a.oid.Priority < b.oid.Priority
	}
	if a.vendor != b.vendor {
		return a.vendor < b.vendor
	}
	return a.oid.OID < b.oid.OID
}

func definitiveOID(in input, rules *RuleSet) (Verdict, bool) {
	var best *oidCandidate
	for _, r := range rules.Rules {
		for _, f := range r.FingerprintOIDs {
			if !f.Definitive {
				continue
			}
			value, ok := in.oidHit(f)
			if !ok {
				continue
			}
			c := oidCandidate{vendor: r.Vendor, oid: f, value: value}
			if best == nil || c.beats(*best) {
				best = &c
			}
		}
	}
	if best == nil {
		return Verdict{}, false
	}
	return Verdict{
		Vendor:     best.vendor,
		Confidence: 100,
		Method:     MethodDefinitiveOID,
		Evidence: []Evidence{{
			Kind:   "definitive_oid",
			Vendor: best.vendor,
			Source: best.oid.OID,
			Match:  best.oid.Name,
		}},
	}, true
}

func definitivePattern(in input, rules *RuleSet) (Verdict, bool) {
	if in.descr == "" {
		return Verdict{}, false
	}
	for _, r := range rules.Rules {
		if in.excluded(r) {
			continue
		}
		for _, p := range r.DefinitivePatterns {
			if !p.match(in.descr, in.descrLow) {
				continue
			}
			conf := p.Confidence
			// A definitive hit never reports less than the best
			// probabilistic score for the same input.
			if s := scored(in, rules); s.Confidence > conf {
				conf = s.Confidence
			}
			return Verdict{
				Vendor:     r.Vendor,
				Confidence: conf,
				Method:     MethodDefinitivePattern,
				Evidence: []Evidence{{
					Kind:   "definitive_pattern",
					Vendor: r.Vendor,
					Source: "sysDescr",
					Match:  patternText(p.Pattern, p.Regex),
				}},
			}, true
		}
	}
	return Verdict{}, false
}

func scored(in input, rules *RuleSet) Verdict {
	sc := rules.Scoring
	var (
		bestRule     *Rule
		bestScore    int
		bestEvidence []Evidence
	)
	for _, r := range rules.Rules {
		if in.excluded(r) {
			continue
		}
		score, evidence := scoreRule(in, r, sc)
		if score > sc.Ceiling {
			score = sc.Ceiling
		}
		if score > bestScore {
			bestRule, bestScore, bestEvidence = r, score, evidence
		}
	}
	// The winner must score strictly above the threshold.
	if bestRule == nil || bestScore <= sc.Threshold {
		return Verdict{Vendor: Unknown, Confidence: 0, Method: MethodNone}
	}
	return Verdict{
		Vendor:     bestRule.Vendor,
		Confidence: bestScore,
		Method:     MethodScored,
		Evidence:   bestEvidence,
	}
}

func scoreRule(in input, r *Rule, sc Scoring) (int, []Evidence) {
	var (
		score    int
		evidence []Evidence
	)
	for _, f := range r.FingerprintOIDs {
		if f.Definitive {
			continue
		}
		if _, ok := in.oidHit(f); ok {
			score += sc.OIDWeight
			evidence = append(evidence, Evidence{Kind: "oid", Vendor: r.Vendor, Source: f.OID, Match: f.Name, Weight: sc.OIDWeight})
		}
	}
	for _, p := range r.DetectionPatterns {
		switch {
		case strings.Contains(in.descrLow, p):
			score += sc.PatternWeight
			evidence = append(evidence, Evidence{Kind: "pattern", Vendor: r.Vendor, Source: "sysDescr", Match: p, Weight: sc.PatternWeight})
		case strings.Contains(in.objectLow, p):
			score += sc.PatternWeight
			evidence = append(evidence, Evidence{Kind: "pattern", Vendor: r.Vendor, Source: "sysObjectID", Match: p, Weight: sc.PatternWeight})
		}
	}
	if r.EnterpriseOID != "" && oidUnder(in.objectID, r.EnterpriseOID) {
		score += sc.EnterpriseOIDWeight
		evidence = append(evidence, Evidence{Kind: "enterprise_oid", Vendor: r.Vendor, Source: "sysObjectID", Match: r.EnterpriseOID, Weight: sc.EnterpriseOIDWeight})
	}
	return score, evidence
}

// oidUnder reports whether oid equals prefix or sits below it.
func oidUnder(oid, prefix string) bool {
	return oid == prefix || strings.HasPrefix(oid, prefix+".")
}

func resolveDeviceType(v *Verdict, in input, rules *RuleSet) {
	v.DeviceType = Unknown
	if in.descr == "" {
		return
	}
	if v.Known() {
		if r := rules.Rule(v.Vendor); r != nil {
			if dt, ok := matchDeviceType(r, in); ok {
				v.DeviceType = dt.Type
				v.Evidence = append(v.Evidence, Evidence{Kind: "device_type", Vendor: r.Vendor, Source: "sysDescr", Match: patternText(dt.Pattern, dt.Regex)})
			}
		}
		return
	}
	for _, r := range rules.Rules {
		if dt, ok := matchDeviceType(r, in); ok {
			v.DeviceType = dt.Type
			v.Evidence = append(v.Evidence, Evidence{Kind: "device_type_fallback", Vendor: r.Vendor, Source: "sysDescr", Match: patternText(dt.Pattern, dt.Regex)})
			return
		}
	}
}

func matchDeviceType(r *Rule, in input) (DeviceTypeRule, bool) {
	for _, dt := range r.DeviceTypes {
		if dt.match(in.descr, in.descrLow) {
			return dt, true
		}
	}
	return DeviceTypeRule{}, false
}

func patternText(pattern, regex string) string {
	if regex != "" {
		return regex
	}
	return pattern
}
