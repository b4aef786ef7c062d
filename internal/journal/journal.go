package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Event names emitted by the steering engine. Collaborators (the training
// logger, the UI) grep these out of the JSONL stream, so they are part of the
// external contract.
const (
	EventEngineStart  = "engine_start"
	EventEngineStop   = "engine_stop"
	EventTripwire     = "tripwire"
	EventSwitch       = "switch"
	EventSwitchFail   = "switch_fail"
	EventDupEnable    = "dup_enable"
	EventDupDisable   = "dup_disable"
	EventDupFail      = "dup_fail"
	EventFlapSuppress = "flap_suppress"
	EventProtectExit  = "protect_exit"
	EventUplinkUp     = "uplink_up"
	EventUplinkDown   = "uplink_down"
	EventCommand      = "command"
)

type line struct {
	TS    string         `json:"ts"`
	Run   string         `json:"run"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// Writer appends structured events to a per-run JSONL file. Writes are
// line-atomic under an internal lock; a write failure is logged once per
// event and never propagated to the engine loop.
type Writer struct {
	log   *slog.Logger
	clock clockwork.Clock
	run   string

	mu sync.Mutex
	f  *os.File
}

// New opens (creating if needed) the journal file for runID under dir.
func New(log *slog.Logger, clock clockwork.Clock, dir, runID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: creating log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("pathsteer_%s.jsonl", runID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", path, err)
	}
	return &Writer{log: log, clock: clock, run: runID, f: f}, nil
}

// Emit appends one event line. data may be nil.
func (w *Writer) Emit(event string, data map[string]any) {
	l := line{
		TS:    w.clock.Now().UTC().Format(time.RFC3339Nano),
		Run:   w.run,
		Event: event,
		Data:  data,
	}
	b, err := json.Marshal(l)
	if err != nil {
		w.log.Error("journal: marshal failed", "event", event, "error", err)
		return
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return
	}
	if _, err := w.f.Write(b); err != nil {
		w.log.Error("journal: write failed", "event", event, "error", err)
	}
}

// Close flushes and closes the journal file. Emit after Close is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
