package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func TestParamOverrides(t *testing.T) {
	paramsFile := filepath.Join(t.TempDir(), "params.json")
	if err := os.WriteFile(paramsFile, []byte(`{"strategy":"expand","generation_count":3,"target_field":"out"}`), 0644); err != nil {
		t.Fatal(err)
	}

	cmd := &cobra.Command{Use: "run"}
	var pf paramFlags
	pf.register(cmd, true)
	err := cmd.ParseFlags([]string{
		"--params-file", paramsFile,
		"-p", "generation_count=5",
		"-p", `label_set=["a","b"]`,
		"-p", "q_prompt=answer briefly",
		"--strategy", "classify_label",
		"--unordered",
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := pf.overrides(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if got["strategy"] != "classify_label" {
		t.Errorf("strategy = %v, flag should win over params file", got["strategy"])
	}
	if got["generation_count"] != float64(5) {
		t.Errorf("generation_count = %v, want 5", got["generation_count"])
	}
	if got["target_field"] != "out" {
		t.Errorf("target_field = %v, want out", got["target_field"])
	}
	if got["q_prompt"] != "answer briefly" {
		t.Errorf("q_prompt = %v", got["q_prompt"])
	}
	if got["unordered_write"] != true {
		t.Errorf("unordered_write = %v, want true", got["unordered_write"])
	}
	if labels, ok := got["label_set"].([]any); !ok || len(labels) != 2 {
		t.Errorf("label_set = %v, want two labels", got["label_set"])
	}
}

func TestParamOverridesRejectsMalformed(t *testing.T) {
	cmd := &cobra.Command{Use: "run"}
	var pf paramFlags
	pf.register(cmd, false)
	if err := cmd.ParseFlags([]string{"-p", "novalue"}); err != nil {
		t.Fatal(err)
	}
	if _, err := pf.overrides(cmd); err == nil {
		t.Error("expected error for --param without '='")
	}
}
