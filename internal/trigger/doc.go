// Package trigger turns edges on a digital input line into capture actions.
//
// A Controller spin-polls its line, arms once it sees the level that precedes
// the configured edge, fires the capture action on the edge, then holds for
// the debounce time. Health (Starting, Healthy, Unhealthy) is readable at any
// time and pushed to a HealthReporter on change.
//
//	line, err := trigger.OpenGPIOLine("gpiochip0", 17, "defectd")
//	c, err := trigger.NewController("press-4", cfg, line, capture, reporter)
//	c.Start(ctx)
//	defer c.Stop()
//
// # Strategies
//
// StrategyThread runs the loop on a goroutine locked to an OS thread.
// StrategyProcess re-executes the binary as "defectd trigger-agent", which
// runs the same loop against the line and streams events to the parent as
// length-prefixed msgpack frames on stdout:
//
//	[4 bytes big-endian length][msgpack {kind, ts, state, health, error_kind}]
//
// Fires are executed by the parent, one at a time.
package trigger
