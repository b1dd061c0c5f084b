// Package chat holds the scraped chat message model and the dedup cache that
// turns "every message currently visible" into "messages that appeared since the
// last poll".
//
// Messages are validated on construction: username and text are trimmed, the
// text must be between MinMessageLen and MaxMessageLen runes, and the username
// must be non-empty. The dedup key is username + ":" + message, compared
// exactly.
//
// The Cache is bounded both by capacity (LRU eviction) and by a per-entry TTL,
// so memory stays flat over multi-hour sessions and common phrases such as
// "sold!" can trigger again once the TTL has passed.
package chat
