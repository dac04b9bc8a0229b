/*
Package log provides structured logging for the hub built on zerolog.

A single global logger is initialized once at startup via Init and consumed
through child loggers created with WithComponent. Output is human-readable
console format by default and JSON when configured for production.

Credentials must never be passed to any logging call.
*/
package log
