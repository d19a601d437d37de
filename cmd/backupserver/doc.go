// Package main (cmd/backupserver) runs the coaching-test service with best-effort remote backups.
//
// Tests and results are served from the primary store (SQLite, or memory with --dev).
// Every successful write is handed to the backup orchestrator, which copies a JSON
// snapshot to the configured remote object store when it can and retries when it cannot.
// A remote outage never fails a primary write.
//
// Configuration comes from a TOML file (--config) with a few command line overrides.
// Credentials are not checked at startup: a missing or rejected key shows up as
// backups reported with status "error" and in GET /api/backup/auth.
//
// Shutdown on SIGINT/SIGTERM stops the HTTP server first, then lets the data manager
// hand over its queued snapshots, then gives the orchestrator one drain pass before
// closing the primary store.
//
// Example usage:
//
//	backupserver --config /etc/coaching/backup.toml --listen-addr 0.0.0.0:8080
//	backupserver --dev --log-debug
package main
