package fingerprint

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestStoreStartsEmpty(t *testing.T) {
	s := NewStore(nil)
	if s.Active() == nil {
		t.Fatal("Active() returned nil")
	}
	if s.Active().Len() != 0 {
		t.Errorf("initial set has %d rules", s.Active().Len())
	}
}

func TestStoreReloadAtomicity(t *testing.T) {
	s := NewStore(nil)
	if err := s.Reload([]byte(testRules)); err != nil {
		t.Fatalf("Reload valid: %v", err)
	}
	good := s.Active()
	if good.Len() != 4 {
		t.Fatalf("active set has %d rules, want 4", good.Len())
	}

	bad := []byte("vendors:\n  cisco:\n    fingerprint_oids:\n      - {oid: not-an-oid}\n")
	if err := s.Reload(bad); err == nil {
		t.Fatal("Reload invalid: expected error")
	}
	if s.Active() != good {
		t.Error("invalid reload replaced the active set")
	}

	next := "vendors:\n  acme:\n    definitive_patterns: [acme]\n"
	if err := s.Reload([]byte(next)); err != nil {
		t.Fatalf("Reload second valid: %v", err)
	}
	if s.Active().Rule("acme") == nil || s.Active().Rule("cisco") != nil {
		t.Error("valid reload not visible")
	}
	// A snapshot taken before the reload is unaffected.
	if good.Rule("cisco") == nil {
		t.Error("old snapshot mutated")
	}
}

func TestStoreReloadFileAndIfChanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(testRules), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	s := NewStore(nil)
	if err := s.ReloadFile(path); err != nil {
		t.Fatalf("ReloadFile: %v", err)
	}
	if s.Active().Source != path {
		t.Errorf("Source = %q", s.Active().Source)
	}

	changed, err := s.ReloadIfChanged()
	if err != nil || changed {
		t.Fatalf("unchanged file: changed=%v err=%v", changed, err)
	}

	if err := os.WriteFile(path, []byte("vendors:\n  acme:\n    definitive_patterns: [acme]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, err = s.ReloadIfChanged()
	if err != nil || !changed {
		t.Fatalf("modified file: changed=%v err=%v", changed, err)
	}
	if s.Active().Rule("acme") == nil {
		t.Error("modified rules not active")
	}

	if err := os.WriteFile(path, []byte("vendors: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	os.Chtimes(path, future, future)
	if _, err := s.ReloadIfChanged(); err == nil {
		t.Error("broken file: expected error")
	}
	if s.Active().Rule("acme") == nil {
		t.Error("broken file replaced the active set")
	}
}

func TestStoreConcurrentReaders(t *testing.T) {
	s := NewStore(nil)
	if err := s.Reload([]byte(testRules)); err != nil {
		t.Fatal(err)
	}
	attrs := attrsOf("sysDescr", "Cisco IOS Software, C9300")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				rs := s.Active()
				v := Classify(attrs, rs)
				if rs.Rule("cisco") != nil && v.Vendor != "cisco" {
					t.Errorf("torn read: %+v", v)
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		s.Reload([]byte(testRules))
		s.Reload([]byte("vendors: {"))
	}
	close(stop)
	wg.Wait()
}
