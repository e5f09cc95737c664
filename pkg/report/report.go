// Package report renders scan reports for people and for downstream
// tooling.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/scottpeterman/gosnmpscan/pkg/scanner"
)

// Options tunes the writers.
type Options struct {
	// Raw keeps raw_attributes in json and jsonl output.
	Raw bool
	// Details adds the evidence and error columns to the table.
	Details bool
}

// Write renders rep in format: json, jsonl, csv, table or simple.
func Write(w io.Writer, format string, rep *scanner.Report, opts Options) error {
	switch format {
	case "json":
		return writeJSON(w, rep, opts)
	case "jsonl":
		return writeJSONL(w, rep, opts)
	case "csv":
		return writeCSV(w, rep)
	case "simple":
		return writeSimple(w, rep)
	case "table", "":
		return writeTable(w, rep, opts)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func strip(rec scanner.Record, raw bool) scanner.Record {
	if !raw {
		rec.RawAttributes = nil
	}
	return rec
}

func writeJSON(w io.Writer, rep *scanner.Report, opts Options) error {
	out := *rep
	out.Records = make([]scanner.Record, len(rep.Records))
	for i, rec := range rep.Records {
		out.Records[i] = strip(rec, opts.Raw)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("error encoding JSON: %w", err)
	}
	return nil
}

// RecordWriter emits one JSON document per line as records arrive.
type RecordWriter struct {
	enc *json.Encoder
	raw bool
}

func NewRecordWriter(w io.Writer, raw bool) *RecordWriter {
	return &RecordWriter{enc: json.NewEncoder(w), raw: raw}
}

func (rw *RecordWriter) Write(rec scanner.Record) error {
	return rw.enc.Encode(strip(rec, rw.raw))
}

func writeJSONL(w io.Writer, rep *scanner.Report, opts Options) error {
	rw := NewRecordWriter(w, opts.Raw)
	for _, rec := range rep.Records {
		if err := rw.Write(rec); err != nil {
			return fmt.Errorf("error encoding record %s: %w", rec.IP, err)
		}
	}
	return nil
}

// CSVHeader is the column order of csv output.
var CSVHeader = []string{
	"device_id", "ip", "hostname", "reachable", "responsive_ports",
	"snmp_version", "credential_used", "vendor", "device_type", "confidence",
	"detection_method", "model", "serial_number", "firmware_version",
	"sys_name", "sys_descr", "error_kind", "error", "duration_ms",
}

func writeCSV(w io.Writer, rep *scanner.Report) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range rep.Records {
		ports := make([]string, len(r.ResponsivePorts))
		for i, p := range r.ResponsivePorts {
			ports[i] = strconv.Itoa(p)
		}
		row := []string{
			r.DeviceID,
			r.IP,
			r.Hostname,
			strconv.FormatBool(r.Reachable),
			strings.Join(ports, ";"),
			r.SNMPVersion,
			r.CredentialUsed,
			r.Vendor,
			r.DeviceType,
			strconv.Itoa(r.Confidence),
			string(r.DetectionMethod),
			r.Model,
			r.SerialNumber,
			r.FirmwareVersion,
			r.SysName,
			r.SysDescr,
			string(r.ErrorKind),
			r.Error,
			strconv.FormatInt(r.DurationMS, 10),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("error writing CSV: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeSimple(w io.Writer, rep *scanner.Report) error {
	for _, r := range rep.Records {
		var err error
		switch {
		case r.Error != "":
			_, err = fmt.Fprintf(w, "%s - %s: %s\n", r.IP, r.ErrorKind, r.Error)
		case !r.Reachable:
			continue
		default:
			_, err = fmt.Fprintf(w, "%s - %s %s (%s, %d%%)\n", r.IP, r.Vendor, r.DeviceType, r.SNMPVersion, r.Confidence)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, width int) string {
	if s == "" {
		return "-"
	}
	if len(s) > width {
		return s[:width-3] + "..."
	}
	return s
}

func writeTable(w io.Writer, rep *scanner.Report, opts Options) error {
	ipWidth, nameWidth, vendorWidth, typeWidth, modelWidth := 15, 20, 12, 12, 20
	for _, r := range rep.Records {
		ipWidth = max(ipWidth, len(r.IP))
		nameWidth = max(nameWidth, len(r.SysName))
		vendorWidth = max(vendorWidth, len(r.Vendor))
		typeWidth = max(typeWidth, len(r.DeviceType))
		modelWidth = max(modelWidth, len(r.Model))
	}
	nameWidth = min(nameWidth, 30)
	vendorWidth = min(vendorWidth, 20)
	modelWidth = min(modelWidth, 25)

	format := fmt.Sprintf("%%-%ds | %%-%ds | %%-6s | %%-4s | %%-%ds | %%-%ds | %%4s | %%-%ds",
		ipWidth, nameWidth, vendorWidth, typeWidth, modelWidth)

	header := fmt.Sprintf(format, "IP Address", "Name", "Status", "SNMP", "Vendor", "Type", "Conf", "Model")
	if opts.Details {
		header += " | Detail"
	}
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("-", len(header)))

	up := color.New(color.FgGreen).SprintFunc()
	down := color.New(color.FgRed).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()

	for _, r := range rep.Records {
		status := "Down"
		if r.Reachable {
			status = "Up"
		}
		snmpVersion := r.SNMPVersion
		if snmpVersion == "" {
			snmpVersion = "-"
		}
		conf := "-"
		if r.Reachable && r.Vendor != "" {
			conf = strconv.Itoa(r.Confidence)
		}
		line := fmt.Sprintf(format, r.IP, truncate(r.SysName, nameWidth), status, snmpVersion,
			truncate(r.Vendor, vendorWidth), truncate(r.DeviceType, typeWidth), conf, truncate(r.Model, modelWidth))

		if opts.Details {
			detail := r.Error
			if detail == "" && len(r.Evidence) > 0 {
				detail = fmt.Sprintf("%s via %s", r.DetectionMethod, r.Evidence[0].Source)
			}
			line += " | " + detail
		}

		switch {
		case r.Error != "":
			line = warn(line)
		case r.Reachable:
			line = up(line)
		default:
			line = down(line)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	fmt.Fprintln(w)
	return WriteSummary(w, rep.Summary)
}

// WriteSummary prints the summary block shown after table output and at
// the end of every CLI scan.
func WriteSummary(w io.Writer, s scanner.Summary) error {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s %d total, %d reachable, %d unreachable, %d classified, %d unknown, %d errors\n",
		bold("Summary:"), s.Total, s.Reachable, s.Unreachable, s.Classified, s.Unknown, s.Errored)
	if s.Cancelled > 0 || s.TimedOut > 0 {
		fmt.Fprintf(w, "         %d cancelled, %d timed out\n", s.Cancelled, s.TimedOut)
	}
	if s.SNMPv3+s.SNMPv2c > 0 {
		fmt.Fprintf(w, "SNMP:    %d v3, %d v2c\n", s.SNMPv3, s.SNMPv2c)
	}
	if len(s.ByVendor) > 0 {
		fmt.Fprintf(w, "Vendors: %s (avg confidence %.1f)\n", breakdown(s.ByVendor), s.AverageConfidence)
	}
	if len(s.ByDeviceType) > 0 {
		fmt.Fprintf(w, "Types:   %s\n", breakdown(s.ByDeviceType))
	}
	return nil
}

// breakdown renders counts largest first, ties by name.
func breakdown(counts map[string]int) string {
	type kv struct {
		name  string
		count int
	}
	var list []kv
	for k, v := range counts {
		list = append(list, kv{k, v})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].count != list[j].count {
			return list[i].count > list[j].count
		}
		return list[i].name < list[j].name
	})
	parts := make([]string, len(list))
	for i, e := range list {
		parts[i] = fmt.Sprintf("%s=%d", e.name, e.count)
	}
	return strings.Join(parts, ", ")
}
