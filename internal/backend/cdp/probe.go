package cdp

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/poweragent-cli/internal/backend"
)

// Probes builds the capability probes for a driver. Load confirms that the
// target evaluates scripts; Verify performs one harmless real operation.
func Probes(d Driver, inj *Injector, auto *Automation) (keyboard, gui *backend.Probe) {
	load := func(ctx context.Context) error { return Ping(ctx, d) }
	keyboard = &backend.Probe{
		Load: load,
		Verify: func(ctx context.Context) error {
			shift, err := backend.ResolveKey("shift")
			if err != nil {
				return err
			}
			return inj.KeyUp(ctx, shift, 0)
		},
	}
	gui = &backend.Probe{
		Load: load,
		Verify: func(ctx context.Context) error {
			nodes, err := auto.Tree(ctx, 1)
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				return fmt.Errorf("target document has no body")
			}
			return nil
		},
	}
	return keyboard, gui
}
