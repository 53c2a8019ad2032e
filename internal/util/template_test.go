package util

import (
	"strings"
	"sync"
	"testing"
)

func TestRenderTemplate_Basic(t *testing.T) {
	tmpl := "Rewrite {{.Source}} into {{.Target}}."
	data := map[string]interface{}{
		"Source": "the text",
		"Target": "output",
	}

	result, err := RenderTemplate(tmpl, data)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := "Rewrite the text into output."
	if result != expected {
		t.Errorf("Expected '%s', got '%s'", expected, result)
	}
}

func TestRenderTemplate_Conditionals(t *testing.T) {
	tmpl := "{{if .Labels}}Labels: {{.Labels}}{{else}}Free label{{end}}"

	with, err := RenderTemplate(tmpl, map[string]interface{}{"Labels": "a, b"})
	if err != nil {
		t.Fatal(err)
	}
	without, err := RenderTemplate(tmpl, map[string]interface{}{"Labels": ""})
	if err != nil {
		t.Fatal(err)
	}
	if with != "Labels: a, b" || without != "Free label" {
		t.Errorf("unexpected renders: %q / %q", with, without)
	}
}

func TestRenderTemplate_Errors(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
	}{
		{name: "unclosed action", tmpl: "Hello {{.Name"},
		{name: "missing key", tmpl: "Hello {{.Missing}}"},
		{name: "forbidden define", tmpl: `{{define "x"}}y{{end}}`},
		{name: "forbidden template", tmpl: `{{template "x"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := RenderTemplate(tt.tmpl, map[string]interface{}{"Name": "a"}); err == nil {
				t.Errorf("expected error for %q", tt.tmpl)
			}
		})
	}
}

func TestRenderTemplate_Concurrent(t *testing.T) {
	tmpl := "item {{.N}}"
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := RenderTemplate(tmpl, map[string]interface{}{"N": n})
			if err != nil || !strings.HasPrefix(out, "item ") {
				t.Errorf("render %d failed: %q %v", n, out, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("héllo wörld", 5); got != "héllo..." {
		t.Errorf("TruncateString() = %q", got)
	}
	if got := TruncateString("short", 10); got != "short" {
		t.Errorf("TruncateString() = %q", got)
	}
}
