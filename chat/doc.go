// Package chat is the message engine: the durable public log with its bounded
// recent-history cache, session-scoped private messaging with attachments,
// and the optional Twitch mirror.
//
// Write path: rate limiter -> content filter -> Postgres insert -> cache push
// -> bus publish. Reads prefer the cache and degrade to the store; a cache
// miss rebuilds through a single-flight load so concurrent misses share one
// rebuild. Soft-deleted messages stay in the store but are excluded from
// history, catch-up and distribution alike.
package chat
