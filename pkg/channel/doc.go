/*
Package channel maintains the single persistent websocket connection to
the vault.

Three timer-driven loops share the socket and one piece of state, the
last pong time: the reader dispatches typed events by topic, the
heartbeat pings every 30 seconds and arms a per-ping pong timeout, and
the reconnect loop backs off exponentially (capped at 60s, jittered)
whenever the socket drops. A connection that misses pongs beyond the
staleness window is force-closed so the reconnect loop takes over.

A 401 during the handshake is not a normal reconnect. The channel hands
control to the managed-key controller through OnAuthFailure and resumes
only after the key has been recovered; if recovery fails too, the stored
key is truly stale and reconnection stops rather than retrying forever.
*/
package channel
