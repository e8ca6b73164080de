// Package storage provides a small persistence layer.
//
// It currently supports:
//   - Dispatch job outcomes (one record per finished job)
//   - Inbound flush audit (sender, fragment count, reason; never message text)
//   - The unsubscribe list consulted before a job starts
package storage
