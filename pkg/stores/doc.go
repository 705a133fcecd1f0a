// Package stores provides the SQLite run journal. Every cherve command
// records a run, one row per step, and an audit row for each mutation of a
// server or site record. Schema changes ship as embedded migrations.
package stores
