/*
Package deploy materializes certificates and secrets to their configured
targets.

A deploy is fetch, format, write, reload, verify:

	┌─────────┐   ┌─────────┐   ┌─────────┐   ┌─────────┐   ┌─────────┐
	│  fetch  │──▶│ format/ │──▶│ atomic  │──▶│ reload  │──▶│ health  │
	│ decrypt │   │  split  │   │  write  │   │ command │   │  check  │
	└─────────┘   └─────────┘   └─────────┘   └─────────┘   └─────────┘

Unchanged content short-circuits before any write: certificates compare
SHA-256 fingerprints, secrets compare versions. The deployer never
writes content older than what it last recorded for a target.

Every write keeps a .bak sibling. If the reload command exits non-zero
or the post-reload health check fails, all files written by the deploy
are restored from their backups and the result reports rolledBack.

Deploys are serialized per target; distinct targets may deploy
concurrently. DeployAll runs sequentially so reload ordering stays
predictable. The reload command is bounded at 60 seconds.
*/
package deploy
