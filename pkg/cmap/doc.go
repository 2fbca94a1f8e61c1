// Package cmap provides a sharded concurrent map keyed by string.
//
// Keys are spread over shards with murmur3, each shard guarded by its own
// RWMutex. Read operations (Get, Has, Range) take the shard read lock,
// write operations take the write lock.
//
//	m := cmap.New[*connection.Conn]()
//	m.Set(c.ID(), c)
//	c, ok := m.Get(id)
package cmap
