/*
Package store provides BoltDB-backed persistence for the session table.

Sessions are serialized as JSON in the "sessions" bucket, keyed by session
id. A second bucket, "session_users", maps user -> session id and enforces
the at-most-one-session-per-user invariant: the existence check, the
capacity count, and the insert all run inside a single BoltDB update
transaction. Two concurrent logins for the same user cannot both create a
row; the loser observes ErrSessionExists and redirects to the surviving
session. Likewise, concurrent logins by different users cannot overshoot
the session cap: the loser observes ErrCapacityExceeded.

The store is the sole source of truth for live sessions. The session
manager and the reaper both read and mutate it; neither keeps an in-memory
copy.
*/
package store
