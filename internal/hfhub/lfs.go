package hfhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

type lfsObject struct {
	OID     string      `json:"oid"`
	Size    int64       `json:"size"`
	Actions *lfsActions `json:"actions,omitempty"`
}

type lfsActions struct {
	Upload *lfsAction `json:"upload,omitempty"`
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsBatch struct {
	Operation string      `json:"operation,omitempty"`
	Transfers []string    `json:"transfers,omitempty"`
	Objects   []lfsObject `json:"objects"`
	HashAlgo  string      `json:"hash_algo,omitempty"`
}

// uploadLFS negotiates upload URLs through the LFS batch API and PUTs each object.
// Objects the server already holds come back without an upload action.
func (p *Publisher) uploadLFS(ctx context.Context, repoID string, ops []operation) error {
	batch := lfsBatch{Operation: "upload", Transfers: []string{"basic"}, HashAlgo: "sha256"}
	locals := make(map[string]string, len(ops))
	for _, op := range ops {
		batch.Objects = append(batch.Objects, lfsObject{OID: op.oid, Size: op.size})
		locals[op.oid] = op.local
	}

	var resp lfsBatch
	err := p.retry(ctx, func() error {
		var err error
		resp, err = p.lfsBatch(ctx, repoID, batch)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to preupload LFS: %w", err)
	}

	for _, obj := range resp.Objects {
		if obj.Actions == nil || obj.Actions.Upload == nil {
			p.logger.Debug("LFS object already present", "oid", obj.OID)
			continue
		}
		action := obj.Actions.Upload
		local := locals[obj.OID]
		if err := p.retry(ctx, func() error { return p.put(ctx, action, local, obj.Size) }); err != nil {
			return fmt.Errorf("failed to upload LFS object %s: %w", local, err)
		}
		p.logger.Info("LFS object uploaded", "oid", obj.OID, "size", obj.Size)
	}
	return nil
}

func (p *Publisher) lfsBatch(ctx context.Context, repoID string, batch lfsBatch) (lfsBatch, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return lfsBatch{}, err
	}
	url := fmt.Sprintf("%s/datasets/%s.git/info/lfs/objects/batch", p.baseURL, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return lfsBatch{}, err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/vnd.git-lfs+json")
	req.Header.Set("Accept", "application/vnd.git-lfs+json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return lfsBatch{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return lfsBatch{}, fmt.Errorf("LFS batch failed with status %d: %s", resp.StatusCode, body)
	}
	var out lfsBatch
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return lfsBatch{}, fmt.Errorf("failed to decode LFS batch response: %w", err)
	}
	return out, nil
}

func (p *Publisher) put(ctx context.Context, action *lfsAction, local string, size int64) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, action.Href, f)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	for k, v := range action.Header {
		req.Header.Set(k, v)
	}
	resp, err := p.lfsClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("LFS upload failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// retry runs fn up to MaxRetries times with linear backoff
func (p *Publisher) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == MaxRetries {
			break
		}
		p.logger.Warn("Hub request failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return err
}
