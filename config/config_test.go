package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}

	c, err := ParseJSONConfigFromPath("")
	if err != nil {
		t.Fatal(err)
	}
	if got := c.SegmentQCConfig().PercentTrimmed; got != 80 {
		t.Errorf("PercentTrimmed: got %v, expected 80", got)
	}
	if got := c.LOQConfig(); got.CutoffSD != 2 || got.MinLOQ != 2 {
		t.Errorf("Unexpected LOQ defaults %+v", got)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"segment_qc": {"percent_trimmed": 85},
		"loq": {"whitelist": ["Alb"]},
		"de": {"levels": ["I/R", "sham"]},
		"deconvolution": {"collapse": {"Hepatocytes": ["Hep.1", "Hep.2"]}}
	}`)

	c, err := ParseJSONConfigFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.SegmentQCConfig(); got.PercentTrimmed != 85 || got.PercentStitched != 80 {
		t.Errorf("Unexpected segment QC config %+v", got)
	}
	if got := c.LOQConfig().Whitelist; len(got) != 1 || got[0] != "Alb" {
		t.Errorf("Unexpected whitelist %v", got)
	}
	if got := c.DEConfig().Levels; len(got) != 2 || got[0] != "I/R" {
		t.Errorf("Unexpected levels %v", got)
	}
	if got := c.DeconConfig().Collapse["Hepatocytes"]; len(got) != 2 {
		t.Errorf("Unexpected collapse map %v", got)
	}
}

func TestValidationNamesField(t *testing.T) {
	for _, v := range []struct {
		Body  string
		Field string
	}{
		{`{"segment_qc": {"min_segment_reads": null}}`, "segment_qc.min_segment_reads"},
		{`{"segment_qc": {"percent_aligned": 175}}`, "segment_qc.percent_aligned"},
		{`{"probe_qc": {"grubbs_alpha": 0}}`, "probe_qc.grubbs_alpha"},
		{`{"probe_qc": {"min_probes_for_grubbs": 2}}`, "probe_qc.min_probes_for_grubbs"},
		{`{"loq": {"min_loq": 0}}`, "loq.min_loq"},
		{`{"de": {"levels": ["sham"]}}`, "de.levels"},
		{`{"de": {"levels": ["sham", "sham"]}}`, "de.levels"},
		{`{"deconvolution": {"collapse": {"x": []}}}`, "deconvolution.collapse.x"},
	} {
		_, err := ParseJSONConfigFromPath(writeConfig(t, v.Body))
		if err == nil {
			t.Errorf("%s: expected a validation error", v.Body)
			continue
		}
		if !strings.Contains(err.Error(), v.Field) {
			t.Errorf("%s: error %q does not name %s", v.Body, err, v.Field)
		}
	}
}

func TestValidateReturnsValidationError(t *testing.T) {
	c := Default()
	c.LOQ.GeneRate = nil

	err := c.Validate()
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("Expected ValidationError, got %T", err)
	}
	if ve.Field != "loq.gene_rate" {
		t.Errorf("Got field %s, expected loq.gene_rate", ve.Field)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	if _, err := ParseJSONConfigFromPath(writeConfig(t, `{"segment_qc": {"percent_trimmd": 80}}`)); err == nil {
		t.Error("Expected unknown field to be rejected")
	}
}
