/*
Package api holds the wire types shared by the HTTP handlers and their Go clients.

Subpackages:

  - backuphandler: backup creation, storage statistics and remote folder administration
  - testshandler: tests and results served from the primary store through the data manager

Backup endpoints never surface remote store failures as transport errors. A create
request that could not be stored is answered with HTTP 200 and a status discriminator
in the "source" field; diagnostic endpoints report remote failures with success set
to false and a message. Only malformed input is answered with HTTP 400.
*/
package api
