package storagev2

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nexus-agent/nexus/internal/logging"
)

// SkippedLineHook is invoked once per malformed JSONL line so the metrics
// layer can count corruption without this package importing it.
var SkippedLineHook func()

// AtomicWriteJSON marshals v and writes it to path via a temp file in the
// same directory followed by rename, so readers never observe a torn file.
func AtomicWriteJSON(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return AtomicWriteBytes(path, raw)
}

// AtomicWriteBytes writes raw bytes with write-temp-then-rename semantics.
func AtomicWriteBytes(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp for %s: %w", path, err)
	}
	return nil
}

// ReadJSON unmarshals path into v. A missing file leaves v untouched and
// returns false; a corrupt file is logged and also leaves v untouched.
func ReadJSON(path string, v interface{}) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		logging.Get(logging.CategoryStorage).Warn("corrupt json at %s: %v", path, err)
		return false, nil
	}
	return true, nil
}

// AppendJSONL appends v as a single JSON line to path, creating parent
// directories as needed.
func AppendJSONL(path string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal jsonl %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

// TailJSONL returns the last limit parsed lines of path in file order,
// skipping malformed lines. A missing file yields an empty slice.
func TailJSONL(path string, limit int) []json.RawMessage {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			if SkippedLineHook != nil {
				SkippedLineHook()
			}
			logging.Get(logging.CategoryStorage).Warn("skipping malformed jsonl line in %s", path)
			continue
		}
		lines = append(lines, json.RawMessage(append([]byte(nil), line...)))
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

// DecodeLines decodes the last limit JSONL lines of path into a typed
// slice. Lines that fail to decode into the element type are skipped.
func DecodeLines[T any](path string, limit int) []T {
	raws := TailJSONL(path, limit)
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			if SkippedLineHook != nil {
				SkippedLineHook()
			}
			continue
		}
		out = append(out, item)
	}
	return out
}
