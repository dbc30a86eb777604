// Package queue is the durable broadcast queue shared by the admin and client bots.
//
// Layout
//
// Every broadcast is one JSON file in a dedicated directory:
//
//	broadcast_<unix seconds>_<admin id>_<random>.json
//
// Files are written to a hidden temp file first and then published with a hard
// link (create) or a rename (update), so readers in another process never see
// a partial record and a name collision can never clobber an existing item.
//
// Failure policy
//
// The store sits under long-running bot processes. I/O errors are logged and
// degraded to "no item", an empty listing or zero removed; they are never
// returned to callers.
package queue
