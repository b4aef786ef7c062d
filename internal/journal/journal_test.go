package journal

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestJournal_Writer(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	clock := clockwork.NewFakeClock()

	t.Run("emits_jsonl_lines", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		w, err := New(log, clock, dir, "run123")
		require.NoError(t, err)
		defer w.Close()

		w.Emit(EventTripwire, map[string]any{"trigger": "rtt_step", "uplink": "cell_a"})
		w.Emit(EventSwitch, map[string]any{"from": "cell_a", "to": "sl_a"})
		require.NoError(t, w.Close())

		f, err := os.Open(filepath.Join(dir, "pathsteer_run123.jsonl"))
		require.NoError(t, err)
		defer f.Close()

		var lines []map[string]any
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var m map[string]any
			require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
			lines = append(lines, m)
		}
		require.Len(t, lines, 2)
		require.Equal(t, "run123", lines[0]["run"])
		require.Equal(t, "tripwire", lines[0]["event"])
		data := lines[0]["data"].(map[string]any)
		require.Equal(t, "rtt_step", data["trigger"])
		require.Equal(t, "switch", lines[1]["event"])
	})

	t.Run("emit_after_close_is_noop", func(t *testing.T) {
		t.Parallel()
		w, err := New(log, clock, t.TempDir(), "run456")
		require.NoError(t, err)
		require.NoError(t, w.Close())
		w.Emit(EventEngineStop, nil) // must not panic
		require.NoError(t, w.Close())
	})

	t.Run("creates_log_dir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "nested", "logs")
		w, err := New(log, clock, dir, "run789")
		require.NoError(t, err)
		defer w.Close()
		_, err = os.Stat(filepath.Join(dir, "pathsteer_run789.jsonl"))
		require.NoError(t, err)
	})
}
