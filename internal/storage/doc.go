// Package storage is the bots' small persistence layer.
//
// It holds two things:
//   - the audit log (broadcast enqueues and completed delivery passes)
//   - recipient links, mapping a panel username to the Telegram chat that
//     claimed it through the client bot's /start
package storage
