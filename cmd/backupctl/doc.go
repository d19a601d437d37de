// Package main (cmd/backupctl) is the administrative client of the backup service.
//
// Commands:
//
//	stats        - Show storage statistics and retry queue state
//	folder-info  - Show the canonical remote folder, file count and quota
//	test-auth    - Re-authenticate against the remote store
//	list         - List blobs in the remote folder
//	delete ID    - Delete a blob from the remote folder
//	backup FILE  - Submit a JSON document for backup ("-" reads stdin)
//	save-test FILE - Write a test JSON document straight to the remote folder
//	resume       - Clear a quota pause after space was freed
//
// All commands talk to a running backupserver (--server-url) and print JSON.
package main
