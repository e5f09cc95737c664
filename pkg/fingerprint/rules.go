package fingerprint

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scottpeterman/gosnmpscan/pkg/snmp"
)

// ErrInvalidRules is wrapped by every error Parse returns.
var ErrInvalidRules = errors.New("invalid rule document")

// Extraction target fields.
const (
	FieldSerial   = "serial_number"
	FieldFirmware = "firmware_version"
	FieldModel    = "model"
)

const (
	defaultOIDPriority  = 10
	defaultConfidence   = 100
	defaultCaptureGroup = 1
)

// Scoring holds the knobs for non-definitive vendor scoring.
type Scoring struct {
	Threshold           int `yaml:"threshold"`
	OIDWeight           int `yaml:"oid_weight"`
	PatternWeight       int `yaml:"pattern_weight"`
	EnterpriseOIDWeight int `yaml:"enterprise_oid_weight"`
	Ceiling             int `yaml:"ceiling"`
}

// DefaultScoring returns the weights used when the document has no
// scoring section.
func DefaultScoring() Scoring {
	return Scoring{
		Threshold:           30,
		OIDWeight:           25,
		PatternWeight:       20,
		EnterpriseOIDWeight: 40,
		Ceiling:             90,
	}
}

// RuleSet is an immutable, validated snapshot of the rule document.
// Callers must treat every field reachable from it as read-only.
type RuleSet struct {
	Version  string
	Rules    []*Rule
	Scoring  Scoring
	Source   string
	LoadedAt time.Time

	byVendor map[string]*Rule
	doc      *yaml.Node
}

// Rule is one vendor's detection profile.
type Rule struct {
	Vendor             string
	DisplayName        string
	EnterpriseOID      string
	DetectionPatterns  []string
	ExclusionPatterns  []string
	DefinitivePatterns []DefinitivePattern
	FingerprintOIDs    []FingerprintOID
	DeviceTypes        []DeviceTypeRule
	ExtractionPatterns []ExtractionPattern
}

// DefinitivePattern identifies a vendor outright when it matches sysDescr.
type DefinitivePattern struct {
	Pattern    string
	Regex      string
	Confidence int
	matcher
}

// FingerprintOID is a vendor-specific object. Lower Priority numbers win
// tie-breaks.
type FingerprintOID struct {
	Name           string
	OID            string
	Definitive     bool
	Priority       int
	ExpectedValues []string
}

// DeviceTypeRule maps a sysDescr pattern to a device type label.
type DeviceTypeRule struct {
	Pattern string
	Regex   string
	Type    string
	matcher
}

// ExtractionPattern pulls one field out of an attribute value.
type ExtractionPattern struct {
	Name         string
	Field        string
	Source       string
	CaptureGroup int
	DeviceTypes  []string
	re           *regexp.Regexp
	sourceOID    string
}

// Regexp returns the compiled, case-insensitive expression.
func (e ExtractionPattern) Regexp() *regexp.Regexp { return e.re }

// EmptyRuleSet is the set active before any document has loaded.
func EmptyRuleSet() *RuleSet {
	return &RuleSet{Scoring: DefaultScoring(), byVendor: map[string]*Rule{}}
}

// Rule returns the rule for vendor, or nil.
func (rs *RuleSet) Rule(vendor string) *Rule {
	if rs == nil {
		return nil
	}
	return rs.byVendor[vendor]
}

// Len returns the number of vendor rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rules)
}

// FingerprintOIDs lists every fingerprint OID across all rules, once
// each, in rule order.
func (rs *RuleSet) FingerprintOIDs() []string {
	if rs == nil {
		return nil
	}
	seen := make(map[string]bool)
	var oids []string
	for _, r := range rs.Rules {
		for _, f := range r.FingerprintOIDs {
			if !seen[f.OID] {
				seen[f.OID] = true
				oids = append(oids, f.OID)
			}
		}
	}
	return oids
}

// ExtractionSources lists the OIDs extraction patterns read from, so
// the collector can fetch them.
func (rs *RuleSet) ExtractionSources() []string {
	if rs == nil {
		return nil
	}
	seen := make(map[string]bool)
	var oids []string
	for _, r := range rs.Rules {
		for _, e := range r.ExtractionPatterns {
			if !seen[e.sourceOID] {
				seen[e.sourceOID] = true
				oids = append(oids, e.sourceOID)
			}
		}
	}
	return oids
}

// Marshal re-encodes the document the set was parsed from. Keys the
// classifier does not interpret are carried through unchanged.
func (rs *RuleSet) Marshal() ([]byte, error) {
	if rs == nil || rs.doc == nil {
		return []byte("vendors: {}\n"), nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rs.doc); err != nil {
		return nil, fmt.Errorf("failed to marshal rule document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ValidationError describes one problem in a rule document.
type ValidationError struct {
	Vendor string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Vendor == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("vendor %s: %s: %s", e.Vendor, e.Field, e.Reason)
}

// LoadError lists every problem found in a rejected document.
type LoadError struct {
	Problems []ValidationError
}

func (e *LoadError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidRules, strings.Join(msgs, "; "))
}

func (e *LoadError) Unwrap() error { return ErrInvalidRules }

func (e *LoadError) add(vendor, field, format string, args ...any) {
	e.Problems = append(e.Problems, ValidationError{Vendor: vendor, Field: field, Reason: fmt.Sprintf(format, args...)})
}

// LoadFile reads and parses a rule document from disk.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule document: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, err
	}
	rs.Source = path
	return rs, nil
}

// Parse validates a rule document and compiles it into a RuleSet. Any
// problem rejects the whole document.
func Parse(data []byte) (*RuleSet, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, &LoadError{Problems: []ValidationError{{Field: "document", Reason: "must be a mapping"}}}
	}
	root := doc.Content[0]

	errs := &LoadError{}
	rs := &RuleSet{
		Scoring:  DefaultScoring(),
		LoadedAt: time.Now(),
		byVendor: make(map[string]*Rule),
		doc:      &doc,
	}

	if n := mappingValue(root, "version"); n != nil {
		rs.Version = n.Value
	}
	if n := mappingValue(root, "scoring"); n != nil {
		if err := n.Decode(&rs.Scoring); err != nil {
			errs.add("", "scoring", "%v", err)
		}
		validateScoring(rs.Scoring, errs)
	}

	vendors := mappingValue(root, "vendors")
	if vendors == nil || vendors.Kind != yaml.MappingNode || len(vendors.Content) == 0 {
		errs.add("", "vendors", "at least one vendor is required")
		return nil, errs
	}

	var rules []*Rule
	for i := 0; i+1 < len(vendors.Content); i += 2 {
		key := strings.TrimSpace(vendors.Content[i].Value)
		if key == "" {
			errs.add("", "vendors", "entry %d has an empty vendor identifier", i/2+1)
			continue
		}
		if _, dup := rs.byVendor[key]; dup {
			errs.add(key, "vendors", "duplicate vendor identifier")
			continue
		}
		var vd vendorDoc
		if err := vendors.Content[i+1].Decode(&vd); err != nil {
			errs.add(key, "definition", "%v", err)
			continue
		}
		rule := compileRule(key, vd, errs)
		rules = append(rules, rule)
		rs.byVendor[key] = rule
	}

	var order []string
	if dr := mappingValue(root, "detection_rules"); dr != nil {
		if po := mappingValue(dr, "priority_order"); po != nil {
			if err := po.Decode(&order); err != nil {
				errs.add("", "detection_rules.priority_order", "%v", err)
			}
		}
	}

	if len(errs.Problems) > 0 {
		return nil, errs
	}
	rs.Rules = applyPriorityOrder(rules, order)
	return rs, nil
}

func validateScoring(s Scoring, errs *LoadError) {
	if s.Ceiling < 1 || s.Ceiling > 100 {
		errs.add("", "scoring.ceiling", "must be between 1 and 100, got %d", s.Ceiling)
	}
	if s.Threshold < 0 || s.Threshold > 100 {
		errs.add("", "scoring.threshold", "must be between 0 and 100, got %d", s.Threshold)
	}
	if s.OIDWeight < 0 || s.PatternWeight < 0 || s.EnterpriseOIDWeight < 0 {
		errs.add("", "scoring", "weights must not be negative")
	}
}

// applyPriorityOrder puts vendors named in order first, then the rest in
// document order. Unknown names are ignored.
func applyPriorityOrder(rules []*Rule, order []string) []*Rule {
	if len(order) == 0 {
		return rules
	}
	out := make([]*Rule, 0, len(rules))
	placed := make(map[string]bool, len(rules))
	for _, name := range order {
		for _, r := range rules {
			if r.Vendor == name && !placed[name] {
				out = append(out, r)
				placed[name] = true
			}
		}
	}
	for _, r := range rules {
		if !placed[r.Vendor] {
			out = append(out, r)
		}
	}
	return out
}

func compileRule(vendor string, vd vendorDoc, errs *LoadError) *Rule {
	r := &Rule{
		Vendor:      vendor,
		DisplayName: vd.DisplayName,
	}
	if r.DisplayName == "" {
		r.DisplayName = vendor
	}

	if vd.EnterpriseOID != "" {
		if !snmp.ValidOID(vd.EnterpriseOID) {
			errs.add(vendor, "enterprise_oid", "invalid OID %q", vd.EnterpriseOID)
		}
		r.EnterpriseOID = snmp.NormalizeOID(vd.EnterpriseOID)
	}
	r.DetectionPatterns = lowerAll(vd.DetectionPatterns)
	r.ExclusionPatterns = lowerAll(vd.ExclusionPatterns)

	for i, p := range vd.DefinitivePatterns {
		field := fmt.Sprintf("definitive_patterns[%d]", i)
		m, err := newMatcher(p.Pattern, p.Regex)
		if err != nil {
			errs.add(vendor, field, "%v", err)
			continue
		}
		conf := defaultConfidence
		if p.Confidence != nil {
			conf = *p.Confidence
		}
		if conf < 1 || conf > 100 {
			errs.add(vendor, field, "confidence must be between 1 and 100, got %d", conf)
		}
		r.DefinitivePatterns = append(r.DefinitivePatterns, DefinitivePattern{
			Pattern: p.Pattern, Regex: p.Regex, Confidence: conf, matcher: m,
		})
	}

	for i, o := range vd.FingerprintOIDs {
		field := fmt.Sprintf("fingerprint_oids[%d]", i)
		if !snmp.ValidOID(o.OID) {
			errs.add(vendor, field, "invalid OID %q", o.OID)
			continue
		}
		prio := defaultOIDPriority
		if o.Priority != nil {
			prio = *o.Priority
		}
		if prio < 0 {
			errs.add(vendor, field, "priority must not be negative")
		}
		name := o.Name
		if name == "" {
			name = o.OID
		}
		r.FingerprintOIDs = append(r.FingerprintOIDs, FingerprintOID{
			Name:           name,
			OID:            snmp.NormalizeOID(o.OID),
			Definitive:     o.Definitive,
			Priority:       prio,
			ExpectedValues: o.ExpectedValues,
		})
	}

	for i, d := range vd.DeviceTypes {
		field := fmt.Sprintf("device_types[%d]", i)
		if strings.TrimSpace(d.Type) == "" {
			errs.add(vendor, field, "type is required")
			continue
		}
		m, err := newMatcher(d.Pattern, d.Regex)
		if err != nil {
			errs.add(vendor, field, "%v", err)
			continue
		}
		r.DeviceTypes = append(r.DeviceTypes, DeviceTypeRule{Pattern: d.Pattern, Regex: d.Regex, Type: d.Type, matcher: m})
	}

	for i, e := range vd.ExtractionPatterns {
		field := fmt.Sprintf("extraction_patterns[%d]", i)
		if ep, ok := compileExtraction(vendor, field, e, errs); ok {
			r.ExtractionPatterns = append(r.ExtractionPatterns, ep)
		}
	}
	return r
}

func compileExtraction(vendor, field string, e extractionDoc, errs *LoadError) (ExtractionPattern, bool) {
	switch e.Field {
	case FieldSerial, FieldFirmware, FieldModel:
	default:
		errs.add(vendor, field, "field must be one of %s, %s, %s; got %q", FieldSerial, FieldFirmware, FieldModel, e.Field)
		return ExtractionPattern{}, false
	}
	if e.Regex == "" {
		errs.add(vendor, field, "regex is required")
		return ExtractionPattern{}, false
	}
	re, err := regexp.Compile("(?i)" + e.Regex)
	if err != nil {
		errs.add(vendor, field, "regex does not compile: %v", err)
		return ExtractionPattern{}, false
	}

	group := defaultCaptureGroup
	if e.CaptureGroup != nil {
		group = *e.CaptureGroup
	}
	if group < 0 || group > re.NumSubexp() {
		errs.add(vendor, field, "capture_group %d not present in regex", group)
		return ExtractionPattern{}, false
	}

	source := e.Source
	if source == "" {
		source = "sysDescr"
	}
	oid, ok := ResolveSource(source)
	if !ok {
		errs.add(vendor, field, "unknown source %q", source)
		return ExtractionPattern{}, false
	}

	name := e.Name
	if name == "" {
		name = e.Field
	}
	return ExtractionPattern{
		Name:         name,
		Field:        e.Field,
		Source:       source,
		CaptureGroup: group,
		DeviceTypes:  e.DeviceTypes,
		re:           re,
		sourceOID:    oid,
	}, true
}

type matcher struct {
	substr string
	re     *regexp.Regexp
}

func newMatcher(pattern, regex string) (matcher, error) {
	switch {
	case regex != "":
		re, err := regexp.Compile("(?i)" + regex)
		if err != nil {
			return matcher{}, fmt.Errorf("regex does not compile: %w", err)
		}
		return matcher{re: re}, nil
	case strings.TrimSpace(pattern) != "":
		return matcher{substr: strings.ToLower(pattern)}, nil
	default:
		return matcher{}, errors.New("pattern or regex is required")
	}
}

// match reports whether s matches. lower must be strings.ToLower(s).
func (m matcher) match(s, lower string) bool {
	if m.re != nil {
		return m.re.MatchString(s)
	}
	return m.substr != "" && strings.Contains(lower, m.substr)
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func lowerAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Document shapes. Decoding is lenient so unknown keys never fail a load.

type vendorDoc struct {
	DisplayName        string          `yaml:"display_name"`
	EnterpriseOID      string          `yaml:"enterprise_oid"`
	DetectionPatterns  []string        `yaml:"detection_patterns"`
	ExclusionPatterns  []string        `yaml:"exclusion_patterns"`
	DefinitivePatterns []patternDoc    `yaml:"definitive_patterns"`
	FingerprintOIDs    []oidDoc        `yaml:"fingerprint_oids"`
	DeviceTypes        []deviceTypeDoc `yaml:"device_types"`
	ExtractionPatterns []extractionDoc `yaml:"extraction_patterns"`
}

type patternDoc struct {
	Pattern    string `yaml:"pattern"`
	Regex      string `yaml:"regex"`
	Confidence *int   `yaml:"confidence"`
}

// UnmarshalYAML accepts a bare string as shorthand for {pattern: s}.
func (p *patternDoc) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		p.Pattern = n.Value
		return nil
	}
	type plain patternDoc
	return n.Decode((*plain)(p))
}

type oidDoc struct {
	Name           string   `yaml:"name"`
	OID            string   `yaml:"oid"`
	Definitive     bool     `yaml:"definitive"`
	Priority       *int     `yaml:"priority"`
	ExpectedValues []string `yaml:"expected_values"`
}

type deviceTypeDoc struct {
	Pattern string `yaml:"pattern"`
	Regex   string `yaml:"regex"`
	Type    string `yaml:"type"`
}

// UnmarshalYAML accepts a bare label, which matches itself in sysDescr.
func (d *deviceTypeDoc) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		d.Pattern = n.Value
		d.Type = n.Value
		return nil
	}
	type plain deviceTypeDoc
	return n.Decode((*plain)(d))
}

type extractionDoc struct {
	Name         string   `yaml:"name"`
	Regex        string   `yaml:"regex"`
	Field        string   `yaml:"field"`
	Source       string   `yaml:"source"`
	CaptureGroup *int     `yaml:"capture_group"`
	DeviceTypes  []string `yaml:"device_types"`
}
