// Package thread provides durable persistence for conversation threads and
// their append-only message logs, backed by PostgreSQL.
//
// A Thread owns an ordered sequence of Messages; ordering is the append
// order and is semantic (conversational order). Messages are immutable once
// committed. Deleting a thread cascades to its messages.
//
// Store serializes concurrent appends to the same thread with a row lock, so
// sequence numbers never collide and title updates never race a streaming
// commit. Different threads are fully independent.
package thread
