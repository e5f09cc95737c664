package fingerprint

import (
	"strings"
)

// ENTITY-MIB entPhysicalTable columns used as a vendor-neutral fallback.
const (
	OIDEntPhysicalName        = "1.3.6.1.2.1.47.1.1.1.1.7"
	OIDEntPhysicalFirmwareRev = "1.3.6.1.2.1.47.1.1.1.1.9"
	OIDEntPhysicalSoftwareRev = "1.3.6.1.2.1.47.1.1.1.1.10"
	OIDEntPhysicalSerialNum   = "1.3.6.1.2.1.47.1.1.1.1.11"
	OIDEntPhysicalModelName   = "1.3.6.1.2.1.47.1.1.1.1.13"
)

// EntityColumns lists the entPhysicalTable columns the extractor reads.
var EntityColumns = []string{
	OIDEntPhysicalModelName,
	OIDEntPhysicalName,
	OIDEntPhysicalSerialNum,
	OIDEntPhysicalSoftwareRev,
	OIDEntPhysicalFirmwareRev,
}

// Fields are the structured values pulled from free text.
type Fields struct {
	Serial   string `json:"serial_number,omitempty"`
	Firmware string `json:"firmware_version,omitempty"`
	Model    string `json:"model,omitempty"`
}

func (f *Fields) get(field string) string {
	switch field {
	case FieldSerial:
		return f.Serial
	case FieldFirmware:
		return f.Firmware
	case FieldModel:
		return f.Model
	}
	return ""
}

func (f *Fields) set(field, value string) {
	if value == "" || f.get(field) != "" {
		return
	}
	switch field {
	case FieldSerial:
		f.Serial = value
	case FieldFirmware:
		f.Firmware = value
	case FieldModel:
		f.Model = value
	}
}

func (f *Fields) complete() bool {
	return f.Serial != "" && f.Firmware != "" && f.Model != ""
}

// Extract fills serial, firmware and model for the device. The winning
// vendor's extraction patterns are applied in declared order and the
// first success per field is kept. Fields still empty afterwards are
// taken from the vendor's named fingerprint OIDs and then from the
// ENTITY-MIB. An empty field is not an error.
func Extract(attrs Attributes, verdict Verdict, rules *RuleSet) Fields {
	var out Fields

	var rule *Rule
	if verdict.Known() {
		rule = rules.Rule(verdict.Vendor)
	}
	if rule != nil {
		for _, p := range rule.ExtractionPatterns {
			if out.get(p.Field) != "" || !appliesTo(p, verdict.DeviceType) {
				continue
			}
			out.set(p.Field, applyPattern(p, attrs))
		}
		if !out.complete() {
			fromNamedOIDs(&out, rule, attrs)
		}
	}
	if !out.complete() {
		fromEntityMIB(&out, attrs)
	}
	return out
}

func appliesTo(p ExtractionPattern, deviceType string) bool {
	if len(p.DeviceTypes) == 0 {
		return true
	}
	for _, dt := range p.DeviceTypes {
		if strings.EqualFold(dt, deviceType) {
			return true
		}
	}
	return false
}

func applyPattern(p ExtractionPattern, attrs Attributes) string {
	text := attrs.Values[p.sourceOID]
	if text == "" {
		return ""
	}
	m := p.re.FindStringSubmatch(text)
	if m == nil || p.CaptureGroup >= len(m) {
		return ""
	}
	return strings.TrimSpace(m[p.CaptureGroup])
}

var fieldKeywords = []struct {
	field    string
	keywords []string
}{
	{FieldModel, []string{"model", "product"}},
	{FieldSerial, []string{"serial"}},
	{FieldFirmware, []string{"firmware", "version", "software", "revision"}},
}

// fromNamedOIDs uses fingerprint OIDs whose names describe the field,
// e.g. "Serial Number" or "Software Version".
func fromNamedOIDs(out *Fields, rule *Rule, attrs Attributes) {
	for _, f := range rule.FingerprintOIDs {
		if !attrs.Has(f.OID) {
			continue
		}
		name := strings.ToLower(f.Name)
		for _, fk := range fieldKeywords {
			if containsAny(name, fk.keywords) {
				out.set(fk.field, strings.TrimSpace(attrs.Values[f.OID]))
				break
			}
		}
	}
}

func fromEntityMIB(out *Fields, attrs Attributes) {
	out.set(FieldModel, attrs.firstUnder(OIDEntPhysicalModelName))
	out.set(FieldModel, attrs.firstUnder(OIDEntPhysicalName))
	out.set(FieldSerial, attrs.firstUnder(OIDEntPhysicalSerialNum))
	out.set(FieldFirmware, attrs.firstUnder(OIDEntPhysicalSoftwareRev))
	out.set(FieldFirmware, attrs.firstUnder(OIDEntPhysicalFirmwareRev))
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
