// Package storage provides authenticated, idempotent access to a quota-limited remote
// object store with pluggable drivers.
//
// RemoteStore wraps one ObjectDriver and a CredentialsProvider. It owns the credential
// cache and the lifecycle of the canonical folder, bounds every driver call with a
// timeout, and reports failures using the interfaces error taxonomy:
//
//   - ErrAuth: missing or rejected credentials, fatal until credentials change
//   - ErrTransientNetwork: timeouts, throttling and 5xx responses, retryable
//   - ErrQuotaExceeded: the store refuses writes until space is freed
//   - ErrNotFound, ErrAlreadyExists: object level conditions
//
// # Storage URI Format
//
// Drivers are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - drive:// (Google Drive, service account)
//   - s3://bucket-name/prefix/?region=us-west-2&quota=1073741824
//   - file:///var/lib/coaching/backups/?quota=1073741824
//   - memory://dev
//
// # Folders
//
// All blobs of one domain collection live in a single named folder. Folders are found
// by name and created when absent. Concurrent creators in one process share a single
// lookup; creation races across processes can still produce several folders with the
// same name, in which case the earliest created is canonical and the others are
// reported as duplicates. Duplicates are never merged or deleted automatically.
//
// # Objects
//
// Objects are never overwritten. A write to an existing name fails with
// ErrAlreadyExists, and deleting a missing object succeeds.
package storage
