package actuator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Duplicator mirrors service egress from the active uplink's service veth
// onto the backup's, pre-encryption, so both copies reach the controller
// with the same 5-tuple. Enable and Disable are idempotent. A route swap
// must wait out the settle period after Enable so the mirror is engaged in
// the datapath first.
type Duplicator struct {
	log   *slog.Logger
	clock clockwork.Clock
	nl    Netlinker

	mu        sync.Mutex
	enabled   bool
	active    string
	backup    string
	engagedAt time.Time
}

func NewDuplicator(log *slog.Logger, clock clockwork.Clock, nl Netlinker) *Duplicator {
	return &Duplicator{log: log, clock: clock, nl: nl}
}

// Enable installs the mirror from the active veth to the backup veth.
// Re-enabling the same pair is a no-op that preserves the original
// engagement time; a different pair re-installs the mirror.
func (d *Duplicator) Enable(activeVeth, backupVeth string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.enabled && d.active == activeVeth && d.backup == backupVeth {
		return nil
	}
	if d.enabled {
		if err := d.nl.MirrorDel(d.active); err != nil {
			d.log.Error("duplication: removing stale mirror", "from", d.active, "error", err)
		}
		d.enabled = false
	}
	if err := d.nl.MirrorAdd(activeVeth, backupVeth); err != nil {
		return fmt.Errorf("installing mirror %s -> %s: %w", activeVeth, backupVeth, err)
	}
	d.enabled = true
	d.active = activeVeth
	d.backup = backupVeth
	d.engagedAt = d.clock.Now()
	d.log.Info("duplication: mirror enabled", "from", activeVeth, "to", backupVeth)
	return nil
}

// Disable tears the mirror down. Safe to call when not enabled.
func (d *Duplicator) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return nil
	}
	if err := d.nl.MirrorDel(d.active); err != nil {
		return fmt.Errorf("removing mirror from %s: %w", d.active, err)
	}
	d.enabled = false
	d.active = ""
	d.backup = ""
	d.engagedAt = time.Time{}
	d.log.Info("duplication: mirror disabled")
	return nil
}

// Enabled reports whether a mirror is installed.
func (d *Duplicator) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Backup returns the veth currently receiving mirrored traffic.
func (d *Duplicator) Backup() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backup
}

// EngagedAt returns when the current mirror was installed.
func (d *Duplicator) EngagedAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engagedAt
}

// Settled reports whether at least settle has elapsed since the mirror was
// installed. False when no mirror is up.
func (d *Duplicator) Settled(settle time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled {
		return false
	}
	return d.clock.Now().Sub(d.engagedAt) >= settle
}
