/*
Package types defines the shared data model for the vault agent.

Targets bind remote identities (certificates or secrets) to local
destinations with rendering and reload semantics. They are owned by the
configuration layer; the deployer mutates only their sync metadata
(version, fingerprint, last-synced time) after a successful write.

Secrets and certificate material are ephemeral: decrypted values pass
through the deployer and the formatter but are never persisted except as
the rendered output files themselves.

Dynamic-secrets configs arrive encrypted (EncryptedConfigEnvelope), are
held in memory only, and are replaced solely by strictly higher config
versions.
*/
package types
