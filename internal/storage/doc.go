// Package storage archives progress records in sqlite through GORM so that
// finished operations stay observable after in-memory eviction and across restarts.
package storage
