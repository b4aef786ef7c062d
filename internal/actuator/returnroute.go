package actuator

import (
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// ReturnRouteSwitcher tells the controller side to move its return route to
// the edge's new active tunnel. The call is fire-and-forget: the edge-side
// swap is already committed and a failed return-route nudge only costs the
// duplication window its asymmetry.
type ReturnRouteSwitcher interface {
	SwitchReturnRoute(uplinkName string)
}

// ScriptReturnRoute invokes the operator-provided return-route script with
// the target uplink name, detached from the engine loop.
type ScriptReturnRoute struct {
	Log    *slog.Logger
	Script string
}

func (s *ScriptReturnRoute) SwitchReturnRoute(uplinkName string) {
	if s.Script == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		out, err := exec.CommandContext(ctx, s.Script, uplinkName).CombinedOutput()
		if err != nil {
			s.Log.Error("return-route: script failed", "uplink", uplinkName, "error", err, "output", string(out))
			return
		}
		s.Log.Debug("return-route: switched", "uplink", uplinkName)
	}()
}

// NopReturnRoute is used when no script is configured.
type NopReturnRoute struct{}

func (NopReturnRoute) SwitchReturnRoute(string) {}
