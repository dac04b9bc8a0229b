/*
Package hub implements the session manager: the HTTP surface users log in
through, and the session lifecycle behind it.

One user maps to at most one session, enforced by the store's uniqueness
index; one session maps to exactly one container, named deterministically
from the user. Login verifies credentials, creates the session row,
launches the container, records its address, and reconciles the proxy. A
launch that never reaches running is rolled back completely: container
removed, row deleted, nothing left behind.

The store remains the sole source of truth; the hub keeps no in-memory
session state.
*/
package hub
