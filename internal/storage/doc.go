// Package storage persists terminal broadcast records and the credit
// wallet. The in-memory job store remains the source of truth while a job
// is live; the archive is written only at terminal states.
package storage
