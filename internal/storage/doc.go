// Package storage persists delivery audit records and the notifier's
// duplicate-suppression window across restarts. Two drivers: a plain file
// backend and SQLite.
package storage
