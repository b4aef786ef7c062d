package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cloudmeshllc/pathsteer/internal/gps"
)

// Ack reports the outcome of the most recently processed operator command.
type Ack struct {
	LastCmdID string `json:"last_cmd_id"`
	Result    string `json:"result"` // exec | fail
	Detail    string `json:"detail"`
}

// UplinkStatus is the per-uplink slice of the published snapshot.
type UplinkStatus struct {
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	Enabled     bool    `json:"enabled"`
	Reachable   bool    `json:"reachable"`
	ForceFailed bool    `json:"force_failed"`
	Active      bool    `json:"active"`
	RTTMs       float64 `json:"rtt_ms"`
	BaselineMs  float64 `json:"baseline_ms"`
	JitterMs    float64 `json:"jitter_ms"`
	LossPct     float64 `json:"loss_pct"`
	Risk        float64 `json:"risk"`
	ConsecFail  int     `json:"consec_fail"`

	// Kind-specific blocks, omitted for kinds that don't carry them.
	LTE *LTEStatus `json:"lte,omitempty"`
	Sat *SatStatus `json:"sat,omitempty"`
}

type LTEStatus struct {
	SignalPowerDBm float64 `json:"signal_power_dbm"`
	SINRDB         float64 `json:"sinr_db"`
	Carrier        string  `json:"carrier"`
	CellID         string  `json:"cell_id"`
}

type SatStatus struct {
	Online                bool    `json:"online"`
	Obstructed            bool    `json:"obstructed"`
	ObstructionPct        float64 `json:"obstruction_pct"`
	DishLatencyMs         float64 `json:"dish_latency_ms"`
	ObstructionETASeconds float64 `json:"obstruction_eta_s"`
}

// Snapshot is the complete engine state published at 10 Hz. Readers (the UI,
// pathsteerctl) see either the previous or the new file, never a partial one.
type Snapshot struct {
	TS                  string         `json:"ts"`
	RunID               string         `json:"run"`
	Mode                string         `json:"mode"`
	State               string         `json:"state"`
	ActiveUplink        string         `json:"active_uplink"`
	Controller          int            `json:"controller"`
	LastTrigger         string         `json:"last_trigger"`
	TriggerDetail       string         `json:"trigger_detail,omitempty"`
	DuplicationEnabled  bool           `json:"duplication_enabled"`
	DuplicationBackup   string         `json:"duplication_backup,omitempty"`
	HoldRemainingSec    float64        `json:"hold_remaining_s"`
	CleanRemainingSec   float64        `json:"clean_remaining_s"`
	SwitchesInWindow    int            `json:"switches_in_window"`
	FlapSuppressed      bool           `json:"flap_suppressed"`
	GlobalRisk          float64        `json:"global_risk"`
	Recommendation      string         `json:"recommendation"`
	OperatorForceLocked bool           `json:"operator_force_locked"`
	LastCmd             *Ack           `json:"last_cmd,omitempty"`
	GPS                 gps.Snapshot   `json:"gps"`
	Uplinks             []UplinkStatus `json:"uplinks"`
}

// Publisher atomically rewrites the status file: write tmp, fsync, rename.
type Publisher struct {
	path string
}

func NewPublisher(path string) *Publisher {
	return &Publisher{path: path}
}

// Publish writes the snapshot. The rename is the commit point.
func (p *Publisher) Publish(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("status: marshal: %w", err)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("status: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("status: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("status: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("status: close: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("status: rename: %w", err)
	}
	return nil
}

// Read loads a snapshot file, for pathsteerctl and tests.
func Read(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("status: decoding %s: %w", path, err)
	}
	return &s, nil
}
