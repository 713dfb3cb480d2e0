/*
Package supervisor runs a child process with secrets injected into its
environment.

Each env mapping resolves at start time: literals pass through, api-key
mappings bind a managed key (cached per build), and secret references
fetch from the vault with an optional .key projection. Values whose
names look sensitive are written to files in the tmpfs secrets
directory instead, and the child receives NAME_FILE=<path> so the value
never shows up in the process table or the journal. Files are zeroed
and unlinked on every exit and rotation.

When restart-on-events is enabled, a redeployed secret or a rotated
managed key terminates the child and starts it again with a freshly
resolved environment, under a bounded exponential backoff. Signals are
forwarded to the child's process group, and a signal death propagates
as 128+signo.
*/
package supervisor
