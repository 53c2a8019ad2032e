package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lamim/distillforge/internal/backend"
	"github.com/lamim/distillforge/internal/prompt"
	"github.com/lamim/distillforge/internal/registry"
	"github.com/lamim/distillforge/pkg/models"
)

var itemRegex = regexp.MustCompile(`item-(\d+)`)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	svc    *Service
	reg    registry.Registry
	outDir string
	input  string
}

func newTestEnv(t *testing.T, be backend.Backend, lines []string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "input.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	prompts, err := prompt.NewBuilder(nil)
	require.NoError(t, err)

	reg := registry.NewMemory()
	outDir := filepath.Join(dir, "out")
	svc := NewService(Options{
		OutputDir: outDir,
		Backend:   be,
		Prompts:   prompts,
		Registry:  reg,
		Logger:    silentLogger(),
	})
	return &testEnv{svc: svc, reg: reg, outDir: outDir, input: input}
}

// items returns n input lines {"text":"item-i"}
func items(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf(`{"text":"item-%d"}`, i+1)
	}
	return lines
}

// itemOf extracts the item number a prompt was built from
func itemOf(req backend.Request) int {
	m := itemRegex.FindStringSubmatch(req.Prompt)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func echoItem(req backend.Request) (string, error) {
	return fmt.Sprintf("generated text for item-%d", itemOf(req)), nil
}

func (env *testEnv) params(strategy models.Strategy) models.Params {
	return models.Params{
		Strategy:           strategy,
		ModelID:            "mock",
		InputFile:          env.input,
		MaxWorkers:         2,
		MaxRetries:         1,
		QualityThreshold:   0.1,
		MinLength:          1,
		CheckpointInterval: 2,
		FsyncInterval:      1,
	}
}

func (env *testEnv) datasetPath(taskID string) string {
	return filepath.Join(env.outDir, taskID, "generated_data.jsonl")
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	require.NoError(t, sc.Err())
	return out
}

func (env *testEnv) status(t *testing.T, taskID string) models.TaskStatus {
	t.Helper()
	state, err := env.reg.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return state.Status
}
