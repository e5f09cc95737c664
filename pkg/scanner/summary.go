package scanner

// Summary aggregates the records of one scan.
type Summary struct {
	Total        int            `json:"total"`
	Reachable    int            `json:"reachable"`
	Unreachable  int            `json:"unreachable"`
	Classified   int            `json:"classified"`
	Unknown      int            `json:"unknown"`
	Errored      int            `json:"errored"`
	Cancelled    int            `json:"cancelled"`
	TimedOut     int            `json:"timed_out"`
	SNMPv3       int            `json:"snmp_v3"`
	SNMPv2c      int            `json:"snmp_v2c"`
	ByVendor     map[string]int `json:"by_vendor"`
	ByDeviceType map[string]int `json:"by_device_type"`
	// AverageConfidence is taken over classified records only.
	AverageConfidence float64 `json:"average_confidence"`
}

// Summarize counts records. Total always equals len(records).
func Summarize(records []Record) Summary {
	s := Summary{
		Total:        len(records),
		ByVendor:     make(map[string]int),
		ByDeviceType: make(map[string]int),
	}
	confidence := 0
	for _, r := range records {
		if r.Reachable {
			s.Reachable++
		} else if r.ErrorKind == ErrorKindNone {
			s.Unreachable++
		}

		switch r.ErrorKind {
		case ErrorKindNone:
		case ErrorKindCancelled:
			s.Cancelled++
			s.Errored++
		case ErrorKindTimeout:
			s.TimedOut++
			s.Errored++
		default:
			s.Errored++
		}

		switch r.SNMPVersion {
		case "v3":
			s.SNMPv3++
		case "v2c":
			s.SNMPv2c++
		}

		if r.Classified() {
			s.Classified++
			s.ByVendor[r.Vendor]++
			confidence += r.Confidence
		} else if r.Reachable {
			s.Unknown++
		}
		if r.Reachable && r.DeviceType != "" {
			s.ByDeviceType[r.DeviceType]++
		}
	}
	if s.Classified > 0 {
		s.AverageConfidence = float64(confidence) / float64(s.Classified)
	}
	return s
}
