package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCountLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.jsonl")
	content := "{\"a\":1}\r\n\n   \n{\"a\":2}\n{\"a\":3}"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	positions, nonBlank, err := countLines(path)
	if err != nil {
		t.Fatalf("countLines failed: %v", err)
	}
	if positions != 5 {
		t.Errorf("positions = %d, want 5", positions)
	}
	if nonBlank != 3 {
		t.Errorf("nonBlank = %d, want 3", nonBlank)
	}
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantNil bool
		wantErr bool
	}{
		{"object", `{"a":"x"}`, false, false},
		{"blank", "   ", true, false},
		{"array", `[1,2]`, true, true},
		{"garbage", `not json`, true, true},
		{"scalar", `42`, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := parseRecord([]byte(tt.line))
			if (rec == nil) != tt.wantNil {
				t.Errorf("record = %v, wantNil %v", rec, tt.wantNil)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseRecordKeepsLargeIntegers(t *testing.T) {
	rec, err := parseRecord([]byte(`{"id":12345678901234567890}`))
	if err != nil {
		t.Fatal(err)
	}
	if got := rec["id"]; got == nil || got.(interface{ String() string }).String() != "12345678901234567890" {
		t.Errorf("id = %v, want exact integer", got)
	}
}
