package command

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Pending is one raw command line pulled off the queue, identified by its
// source filename. Parsing happens at apply time so that malformed lines
// still get an ack keyed by their ID.
type Pending struct {
	ID   string
	Line string
}

// Queue drains operator command files. Files under dir are consumed in
// lexicographic order (filenames are <timestamp>-<id>.cmd by convention) and
// deleted after reading, giving at-most-once delivery. A single legacy
// one-shot file is also accepted for older tooling.
type Queue struct {
	log        *slog.Logger
	dir        string
	legacyPath string
}

func NewQueue(log *slog.Logger, dir, legacyPath string) *Queue {
	return &Queue{log: log, dir: dir, legacyPath: legacyPath}
}

// EnsureDir creates the queue directory if it is missing.
func (q *Queue) EnsureDir() error {
	return os.MkdirAll(q.dir, 0o777)
}

// Drain returns all pending commands in processing order and removes their
// files. Unreadable files are skipped (and deleted, so they cannot wedge the
// queue). The legacy file, if present, is processed after the queue.
func (q *Queue) Drain() []Pending {
	var out []Pending

	entries, err := os.ReadDir(q.dir)
	if err != nil && !os.IsNotExist(err) {
		q.log.Error("command: reading queue dir", "dir", q.dir, "error", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".cmd") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(q.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			q.log.Error("command: reading queue file", "file", name, "error", err)
		} else {
			out = append(out, Pending{ID: strings.TrimSuffix(name, ".cmd"), Line: firstLine(data)})
		}
		if err := os.Remove(path); err != nil {
			q.log.Error("command: removing queue file", "file", name, "error", err)
		}
	}

	if q.legacyPath != "" {
		if data, err := os.ReadFile(q.legacyPath); err == nil {
			out = append(out, Pending{ID: "legacy", Line: firstLine(data)})
			if err := os.Remove(q.legacyPath); err != nil {
				q.log.Error("command: removing legacy command file", "error", err)
			}
		}
	}
	return out
}

func firstLine(data []byte) string {
	s := string(data)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
