/*
Package reaper keeps the session table honest. It runs once at startup to
reconcile sessions with whatever containers survived the previous
process, then loops on a fixed interval sampling each session's CPU
activity: busy sessions get their last-activity refreshed, idle ones are
retired together with their containers, and containers carrying the
managed prefix without a session row are reclaimed.

Sessions flagged restart are the exception: the startup pass re-attaches
or relaunches them instead of retiring.
*/
package reaper
