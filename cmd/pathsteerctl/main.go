package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cloudmeshllc/pathsteer/internal/status"
	"github.com/olekukonko/tablewriter"
	flag "github.com/spf13/pflag"
)

var (
	runDir = flag.String("run-dir", "/run/pathsteer", "engine run directory")
)

func main() {
	flag.Parse()
	if err := run(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := "status"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "status":
		return showStatus()
	case "cmd":
		if len(args) < 2 {
			return fmt.Errorf("usage: pathsteerctl cmd <command-line>")
		}
		return enqueue(args[1])
	}
	return fmt.Errorf("unknown subcommand %q (want status or cmd)", cmd)
}

func showStatus() error {
	snap, err := status.Read(filepath.Join(*runDir, "status.json"))
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}

	fmt.Printf("mode=%s state=%s active=%s risk=%.2f recommend=%s\n",
		snap.Mode, snap.State, snap.ActiveUplink, snap.GlobalRisk, snap.Recommendation)
	if snap.LastTrigger != "" {
		fmt.Printf("last_trigger=%s %s\n", snap.LastTrigger, snap.TriggerDetail)
	}
	if snap.DuplicationEnabled {
		fmt.Printf("duplication=on backup=%s\n", snap.DuplicationBackup)
	}
	if snap.OperatorForceLocked {
		fmt.Println("operator_force_locked=true")
	}
	if snap.FlapSuppressed {
		fmt.Printf("flap_suppressed=true switches=%d\n", snap.SwitchesInWindow)
	}
	if snap.LastCmd != nil {
		fmt.Printf("last_cmd=%s result=%s detail=%s\n", snap.LastCmd.LastCmdID, snap.LastCmd.Result, snap.LastCmd.Detail)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"uplink", "kind", "state", "rtt", "base", "loss", "risk", "fails"})
	for _, u := range snap.Uplinks {
		state := "standby"
		switch {
		case u.Active:
			state = "active"
		case !u.Enabled:
			state = "disabled"
		case u.ForceFailed:
			state = "force-failed"
		case !u.Reachable:
			state = "down"
		}
		table.Append([]string{
			u.Name,
			u.Kind,
			state,
			fmt.Sprintf("%.1fms", u.RTTMs),
			fmt.Sprintf("%.1fms", u.BaselineMs),
			fmt.Sprintf("%.1f%%", u.LossPct),
			fmt.Sprintf("%.2f", u.Risk),
			fmt.Sprintf("%d", u.ConsecFail),
		})
	}
	table.Render()
	return nil
}

// enqueue drops a command file into the engine's queue directory using the
// <timestamp>-<id> naming the ingress drains in order.
func enqueue(line string) error {
	dir := filepath.Join(*runDir, "cmdq")
	name := fmt.Sprintf("%d-%d.cmd", time.Now().Unix(), os.Getpid())
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, []byte(line+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("publishing command: %w", err)
	}
	fmt.Printf("queued %s: %s\n", name, line)
	return nil
}
