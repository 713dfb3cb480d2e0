/*
Package events provides the in-memory event broker for plugin sinks.

Deploys, key rotations, and lifecycle transitions are published here as
typed events. Delivery is fire-and-forget over buffered channels: a slow
subscriber is skipped rather than blocking the publisher, and a panicking
handler registered through Handle is isolated from its peers.
*/
package events
