// Package checkpoint persists a worker's last known state before it exits.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Checkpoint reasons
const (
	ReasonShutdown = "shutdown"
	ReasonTimeout  = "timeout"
)

// Checkpoint is serialized as one flat JSON object: workerId and reason
// alongside every key of State.
type Checkpoint struct {
	WorkerID  string
	Reason    string
	CreatedAt time.Time
	State     map[string]interface{}
}

func (c Checkpoint) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(c.State)+3)
	for k, v := range c.State {
		out[k] = v
	}
	out["workerId"] = c.WorkerID
	out["reason"] = c.Reason
	if !c.CreatedAt.IsZero() {
		out["createdAt"] = c.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.WorkerID, _ = raw["workerId"].(string)
	c.Reason, _ = raw["reason"].(string)
	if ts, ok := raw["createdAt"].(string); ok {
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	delete(raw, "workerId")
	delete(raw, "reason")
	delete(raw, "createdAt")
	c.State = raw
	return nil
}

// FileWriter writes one checkpoint file per worker into Dir. The file name
// is derived from the worker id only, so a restarted worker finds it again.
type FileWriter struct {
	Dir      string
	Compress bool
}

// NewFileWriter creates a writer rooted at dir.
func NewFileWriter(dir string, compress bool) *FileWriter {
	return &FileWriter{Dir: dir, Compress: compress}
}

// Path returns the checkpoint location for a worker.
func (w *FileWriter) Path(workerID string) string {
	name := sanitize(workerID) + ".checkpoint.json"
	if w.Compress {
		name += ".zst"
	}
	return filepath.Join(w.Dir, name)
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}

// Write persists cp atomically (temp file + rename).
func (w *FileWriter) Write(ctx context.Context, cp Checkpoint) error {
	if cp.WorkerID == "" {
		return errors.New("checkpoint: empty worker id")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if w.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		payload = enc.EncodeAll(payload, nil)
		enc.Close()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := w.Path(cp.WorkerID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0600); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

// Read loads the checkpoint of a worker.
func (w *FileWriter) Read(workerID string) (Checkpoint, error) {
	var cp Checkpoint
	f, err := os.Open(w.Path(workerID))
	if err != nil {
		return cp, err
	}
	defer f.Close()

	var r io.Reader = f
	if w.Compress {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return cp, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return cp, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal(buf.Bytes(), &cp); err != nil {
		return cp, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return cp, nil
}
