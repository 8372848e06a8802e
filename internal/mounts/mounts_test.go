package mounts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		raw      string
		wantErr  bool
		wantRO   bool
		wantDst  string
	}{
		{"/host/data:/data", false, false, "/data"},
		{"/host/data:/data:ro", false, true, "/data"},
		{"/host/data:/data:rw", false, false, "/data"},
		{"/host/data", true, false, ""},
		{"/host/data:/data:bogus", true, false, ""},
		{":/data", true, false, ""},
	}
	for _, c := range cases {
		s, err := Parse(c.raw)
		if c.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got nil", c.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", c.raw, err)
		}
		if s.ReadOnly != c.wantRO || s.Target != c.wantDst {
			t.Errorf("Parse(%q) = %+v, want ro=%v dst=%q", c.raw, s, c.wantRO, c.wantDst)
		}
	}
}

func TestResolveCreatesMissingRWSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "new")
	specs := []Spec{{Raw: src + ":/data", Source: src, Target: "/data"}}

	mountSpecs, err := Resolve(specs)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(mountSpecs) != 1 || mountSpecs[0].HostPath != src {
		t.Fatalf("unexpected mount specs: %+v", mountSpecs)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("expected %s to be created: %v", src, err)
	}
}

func TestResolveFailsMissingROSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "missing")
	specs := []Spec{{Raw: src + ":/data:ro", Source: src, Target: "/data", ReadOnly: true}}

	if _, err := Resolve(specs); err == nil {
		t.Fatal("expected error for missing read-only source")
	}
}
