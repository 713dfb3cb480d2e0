/*
Package vault implements the HTTP client for the central vault service.

All calls share one retry policy: up to 3 attempts with exponential
backoff (1s base, 10s cap, jittered) on transient network failures, 5xx,
and 429. Authentication failures (401/403) are surfaced immediately so
the managed-key controller can run its recovery path, and login itself
is never retried to avoid account lockout.

Authentication precedence per request: explicit token argument, static
API key, unexpired cached bearer token, then a username/password login
to obtain a fresh bearer.
*/
package vault
