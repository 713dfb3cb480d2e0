/*
Package store is the bbolt-backed local state database.

Only per-target sync metadata lives here: the fingerprint or version of
the last successful deploy and when it happened. No secret material is
ever written to the database; decrypted values exist only as rendered
output files.
*/
package store
