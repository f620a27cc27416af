// Package stores provides the SQLite persistence layer for the factory.
// It keeps workflow instances, their dispatch attempts, the event trail and
// an audit log of operator actions, using WAL mode and embedded migrations.
package stores
