/*
Package atomicfile writes secret material to disk without ever exposing a
partial file.

Every write goes to a sibling temp file named .<base>.<pid>.tmp, is
fsynced, gets its final mode applied, and is then renamed into place.
Readers observe either the previous complete content or the new complete
content. Ownership changes are attempted only when running as root and
are never fatal.

The deployer uses WriteWithBackup to keep a .bak sibling for rollback
after a failed reload. CleanupOrphans removes temp files left by crashes
and backups older than 24 hours.
*/
package atomicfile
