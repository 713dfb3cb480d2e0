/*
Package dynsecrets creates, renews and revokes short-lived database
users on command from the vault.

Connection configs arrive encrypted (AES-256-GCM payload, RSA-OAEP
wrapped key) and live in process memory only. A store-replace accepts
strictly higher config versions; stale pushes are discarded. Pooled
clients are cached in an LRU with a 5-minute idle TTL and closed on
eviction. Two database variants are compiled in: PostgreSQL through the
pgx stdlib adapter and MySQL through go-sql-driver.

A generate request expands the role's username template, creates a
32-byte random password, runs the role's creation SQL with the
credential placeholders substituted, and replies with the password
sealed under the vault's public key. The password never leaves the
agent in clear, and rendered SQL is redacted before logging.
*/
package dynsecrets
