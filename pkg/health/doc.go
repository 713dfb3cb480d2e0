/*
Package health provides post-deploy verification checks and the agent's
own health endpoint.

Checkers run after a reload command to confirm the consuming service
actually came back with the new material: an HTTP probe against a health
URL or an exec probe such as "nginx -t". A failing check triggers the
deployer's rollback path.

Server exposes /health, /ready, /live, and Prometheus /metrics for the
daemon itself. Readiness follows the websocket channel state.
*/
package health
