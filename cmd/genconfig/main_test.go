package main

import (
	"reflect"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"

	"tools.zach/dev/presenced/internal/config"
)

// ///////////////////////////////////////////////
// render Tests
// ///////////////////////////////////////////////

func TestRenderParsesBackToDefaults(t *testing.T) {
	out, err := render(config.ExampleConfig(), config.ConfigDocs)
	if err != nil {
		t.Fatal(err)
	}

	got := &config.Config{}
	if _, err := toml.Decode(out, got); err != nil {
		t.Fatalf("rendered config does not parse: %v\n%s", err, out)
	}
	if !reflect.DeepEqual(got, config.ExampleConfig()) {
		t.Errorf("rendered config decodes to %+v, want %+v", got, config.ExampleConfig())
	}
}

func TestRenderAnnotations(t *testing.T) {
	docs := map[string]config.FieldDoc{
		"log.level":      {Comment: "Minimum log level.", Alternatives: []string{`level = "debug"`}},
		"ipc.socket":     {Comment: "Host channel address."},
		"subject.id":     {},
		"unknown.option": {Comment: "never emitted"},
	}
	out, err := render(config.ExampleConfig(), docs)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"# presenced Configuration",
		"# ///// Log /////",
		"# Minimum log level.\nlevel = \"info\"\n# level = \"debug\"",
		// ipc.socket is omitempty, so only its comment survives.
		"# Host channel address.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "never emitted") {
		t.Error("doc for a section that does not exist was emitted")
	}
	if strings.HasPrefix(out, " ") || strings.Contains(out, "\n  ") {
		t.Error("indentation was not stripped")
	}
}

// ///////////////////////////////////////////////
// Helpers
// ///////////////////////////////////////////////

func TestParseSectionPath(t *testing.T) {
	tests := []struct {
		section string
		want    []string
	}{
		{"store", []string{"store"}},
		{"store.nats", []string{"store", "nats"}},
		{"a.b.c", []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		if got := parseSectionPath(tt.section); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseSectionPath(%q) = %v, want %v", tt.section, got, tt.want)
		}
	}
}

func TestSectionName(t *testing.T) {
	tests := []struct {
		section string
		want    string
	}{
		{"store", "Store"},
		{"store.sqlite", "Sqlite"},
		{"Log", "Log"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sectionName(tt.section); got != tt.want {
			t.Errorf("sectionName(%q) = %q, want %q", tt.section, got, tt.want)
		}
	}
}

func TestInjectOmittedNoSection(t *testing.T) {
	var out []string
	injectOmitted(&out, config.ConfigDocs, nil, map[string]bool{})
	if len(out) != 0 {
		t.Errorf("injectOmitted with no section produced %d lines, want 0", len(out))
	}
}

func TestAppendComment(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"", []string{"x"}},
		{"one", []string{"x", "# one"}},
		{"one\ntwo", []string{"x", "# one", "# two"}},
	}
	for _, tt := range tests {
		if got := appendComment([]string{"x"}, tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("appendComment(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestRenderOmittedKeysSorted(t *testing.T) {
	out, err := render(config.ExampleConfig(), config.ConfigDocs)
	if err != nil {
		t.Fatal(err)
	}
	pw := strings.Index(out, `# password = "secret"`)
	user := strings.Index(out, `# user = "presenced"`)
	if pw < 0 || user < 0 || pw > user {
		t.Errorf("omitted nats credentials missing or unsorted\n%s", out)
	}
}
