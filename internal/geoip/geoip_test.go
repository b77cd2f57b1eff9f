package geoip

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeReader struct {
	code   string
	closed bool
}

func (f *fakeReader) Lookup(ip net.IP, result any) error {
	rec, ok := result.(*countryRecord)
	if !ok {
		return errors.New("unexpected result type")
	}
	rec.Country.ISOCode = f.code
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func writeDBFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "country.mmdb")
	if err := os.WriteFile(path, []byte("stub"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCountryLookup(t *testing.T) {
	path := writeDBFile(t)
	reader := &fakeReader{code: "FI"}
	s := New(Config{
		Path: path,
		Log:  zap.NewNop().Sugar(),
		Open: func(p string) (Reader, error) { return reader, nil },
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if got := s.Country("192.0.2.1"); got != "FI" {
		t.Errorf("Country = %q, want FI", got)
	}
	if got := s.Country("not an address"); got != "" {
		t.Errorf("Country of garbage = %q, want empty", got)
	}
	if s.LastLoaded().IsZero() {
		t.Error("LastLoaded is zero after a successful load")
	}

	s.Stop()
	if !reader.closed {
		t.Error("reader not closed by Stop")
	}
	if got := s.Country("192.0.2.1"); got != "" {
		t.Errorf("Country after Stop = %q, want empty", got)
	}
}

func TestCountryDisabled(t *testing.T) {
	s := New(Config{Log: zap.NewNop().Sugar()})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if got := s.Country("192.0.2.1"); got != "" {
		t.Errorf("Country = %q, want empty with no database", got)
	}
}

func TestReloadOnChange(t *testing.T) {
	path := writeDBFile(t)
	first := &fakeReader{code: "FI"}
	second := &fakeReader{code: "DE"}
	readers := []*fakeReader{first, second}
	opens := 0
	s := New(Config{
		Path: path,
		Log:  zap.NewNop().Sugar(),
		Open: func(p string) (Reader, error) {
			r := readers[opens]
			opens++
			return r, nil
		},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if got := s.Country("192.0.2.1"); got != "FI" {
		t.Fatalf("Country = %q, want FI", got)
	}

	// Unchanged mtime: the check leaves the reader alone.
	s.check()
	if opens != 1 {
		t.Fatalf("opens = %d after no-op check, want 1", opens)
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	s.check()
	if opens != 2 {
		t.Fatalf("opens = %d after changed file, want 2", opens)
	}
	if got := s.Country("192.0.2.1"); got != "DE" {
		t.Errorf("Country = %q after reload, want DE", got)
	}
	if !first.closed {
		t.Error("old reader not closed after reload")
	}
}

func TestStartBadSchedule(t *testing.T) {
	s := New(Config{
		Path:     writeDBFile(t),
		Schedule: "never",
		Log:      zap.NewNop().Sugar(),
		Open:     func(p string) (Reader, error) { return &fakeReader{}, nil },
	})
	if err := s.Start(); err == nil {
		t.Error("Start accepted an invalid schedule")
	}
}
