package publish

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"github.com/scottpeterman/gosnmpscan/pkg/scanner"
)

func TestRecordMessage(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := scanner.Record{DeviceID: "host_core-sw1", IP: "10.0.0.1", Reachable: true, Vendor: "cisco", ResponsivePorts: []int{161}}

	msg, err := recordMessage(rec, "scan_1", now)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ContentType != "application/json" || msg.Type != RecordMessageType || msg.DeliveryMode != amqp.Persistent {
		t.Errorf("properties = %+v", msg)
	}
	if msg.MessageId != "scan_1/10.0.0.1" || msg.Headers["device_id"] != "host_core-sw1" || !msg.Timestamp.Equal(now) {
		t.Errorf("identity = %q %v %s", msg.MessageId, msg.Headers, msg.Timestamp)
	}
	// Header values must be types the AMQP table encoder accepts.
	if err := msg.Headers.Validate(); err != nil {
		t.Errorf("headers invalid: %v", err)
	}

	var got scanner.Record
	if err := json.Unmarshal(msg.Body, &got); err != nil {
		t.Fatal(err)
	}
	if got.IP != rec.IP || got.Vendor != "cisco" {
		t.Errorf("body = %+v", got)
	}
}

func TestSnapshot(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		p       scanner.Progress
		percent float64
	}{
		{"halfway", scanner.Progress{Completed: 5, Total: 10, Current: "10.0.0.5"}, 50},
		{"done", scanner.Progress{Completed: 3, Total: 3}, 100},
		{"empty scan", scanner.Progress{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := snapshot("scan_1", tt.p, now)
			if s.Percent != tt.percent || s.Completed != tt.p.Completed || s.ScanID != "scan_1" || s.Done {
				t.Errorf("snapshot = %+v", s)
			}
		})
	}
}

func TestProgressKey(t *testing.T) {
	if got := ProgressKey("gosnmpscan:progress", "scan_1"); got != "gosnmpscan:progress:scan_1" {
		t.Errorf("ProgressKey() = %q", got)
	}
}

func TestNewValkeyProgressValidation(t *testing.T) {
	if _, err := NewValkeyProgress("", "k", time.Minute, "scan_1", nil); err == nil {
		t.Error("expected error for empty address")
	}
	if _, err := NewValkeyProgress("127.0.0.1:6379", "k", 0, "scan_1", nil); err == nil {
		t.Error("expected error for zero ttl")
	}
}
