package hfhub

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamim/distillforge/internal/writer"
)

type fakeHub struct {
	mu      sync.Mutex
	created bool
	commit  []map[string]any
	puts    map[string][]byte
	exists  bool
	srv     *httptest.Server
}

func newFakeHub(t *testing.T) *fakeHub {
	h := &fakeHub{puts: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/datasets/owner/data", func(w http.ResponseWriter, r *http.Request) {
		if h.exists {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /api/repos/create", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.created = true
		h.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/datasets/owner/data/commit/main", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hf-token", r.Header.Get("Authorization"))
		sc := bufio.NewScanner(r.Body)
		sc.Buffer(make([]byte, 1<<20), 1<<24)
		h.mu.Lock()
		defer h.mu.Unlock()
		for sc.Scan() {
			var line map[string]any
			require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
			h.commit = append(h.commit, line)
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /datasets/owner/data.git/info/lfs/objects/batch", func(w http.ResponseWriter, r *http.Request) {
		var req lfsBatch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		for i := range req.Objects {
			req.Objects[i].Actions = &lfsActions{Upload: &lfsAction{Href: h.srv.URL + "/upload/" + req.Objects[i].OID}}
		}
		json.NewEncoder(w).Encode(lfsBatch{Objects: req.Objects})
	})
	mux.HandleFunc("PUT /upload/{oid}", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		h.puts[r.PathValue("oid")] = data
		h.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func taskDir(t *testing.T) *writer.TaskDir {
	t.Helper()
	td, err := writer.NewTaskDir(t.TempDir(), "task-1")
	require.NoError(t, err)
	require.NoError(t, td.Create())
	require.NoError(t, os.WriteFile(td.DatasetPath(), []byte(`{"output":"a"}`+"\n"+`{"output":"b"}`+"\n"), 0644))
	require.NoError(t, os.WriteFile(td.ReportPath(), []byte(`{"task_id":"task-1"}`), 0644))
	return td
}

func silent() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishInlineCommit(t *testing.T) {
	hub := newFakeHub(t)
	td := taskDir(t)

	p := NewPublisher("hf-token", hub.srv.URL, silent())
	require.NoError(t, p.Publish(context.Background(), "owner/data", td))

	assert.True(t, hub.created)
	require.Len(t, hub.commit, 4) // header, .gitattributes, dataset, report
	assert.Equal(t, "header", hub.commit[0]["key"])

	files := map[string]string{}
	for _, line := range hub.commit[1:] {
		assert.Equal(t, "file", line["key"])
		v := line["value"].(map[string]any)
		data, err := base64.StdEncoding.DecodeString(v["content"].(string))
		require.NoError(t, err)
		files[v["path"].(string)] = string(data)
	}
	assert.Equal(t, `{"output":"a"}`+"\n"+`{"output":"b"}`+"\n", files[writer.DatasetFile])
	assert.Contains(t, files, writer.ReportFile)
	assert.Contains(t, files[".gitattributes"], "parquet")
	assert.Empty(t, hub.puts)
}

func TestPublishLargeFilesUseLFS(t *testing.T) {
	hub := newFakeHub(t)
	hub.exists = true
	td := taskDir(t)

	p := NewPublisher("hf-token", hub.srv.URL, silent())
	p.lfsThreshold = 5
	require.NoError(t, p.Publish(context.Background(), "owner/data", td))

	assert.False(t, hub.created)
	assert.Len(t, hub.puts, 2)

	var lfsPaths []string
	for _, line := range hub.commit {
		if line["key"] == "lfsFile" {
			v := line["value"].(map[string]any)
			lfsPaths = append(lfsPaths, v["path"].(string))
			assert.Equal(t, "sha256", v["algo"])
		}
	}
	assert.ElementsMatch(t, []string{writer.DatasetFile, writer.ReportFile}, lfsPaths)
}

func TestPublishRejectsBadRepoID(t *testing.T) {
	p := NewPublisher("hf-token", "http://127.0.0.1:0", silent())
	for _, id := range []string{"", "noslash", "a/b/c", "owner/"} {
		err := p.Publish(context.Background(), id, taskDir(t))
		assert.Error(t, err, id)
		assert.True(t, strings.Contains(err.Error(), "invalid repo id"), id)
	}
}
