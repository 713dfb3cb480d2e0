/*
Package syncer is the engine that turns vault events into deploys.

Lifecycle: starting, running, draining, stopped. While running,
certificate and secret events route to their matching targets and force
a deploy; a fallback poll walks every target at the configured interval
with force off, so missed events still converge. The first successful
channel open triggers an initial non-forced sync.

On shutdown the engine stops accepting events (late events are dropped
with a debug log) and waits up to 30 seconds for in-flight deploys to
finish. Per-target ordering is the deployer's concern; the engine only
fans events out.
*/
package syncer
