/*
Package managedkey keeps the agent's own API key current.

The vault rotates managed keys on its own schedule. The controller layers
four detection paths so a rotation is never missed for long:

 1. websocket key.rotated events, the fast path
 2. a scheduled refresh 30s ahead of the announced rotation time
 3. a safety poll at the midpoint of the grace window
 4. a 60s heartbeat that notices an overdue rotation

Every path funnels into one mutex-guarded refresh, so there is exactly
one bind in flight at a time. A rotation persists the new key to the
config before it replaces the old one in memory, and the key-changed
callback fires exactly once per distinct key, after storage, before any
reconnect uses the key.

When the websocket handshake is rejected with 401 the channel asks this
controller to recover. A successful emergency bind resumes reconnects;
a 401 on the bind itself means the stored key is stale beyond repair,
and the controller logs manual recovery steps and halts reconnection.
*/
package managedkey
