/*
Package types defines the core data structures shared across the hub.

The central type is Session: the durable record binding one user to one
application container and to the reverse-proxy route that exposes it. The
remaining types describe the orchestrator-facing vocabulary (container status,
stop/remove outcomes, launch specifications, volume bindings) so that the
Docker and Kubernetes backends can be used interchangeably.

Types here are plain data. They carry JSON tags for persistence in the
session store and have no behavior beyond small derivations (GPU intent from
the user name, routability from the service address).
*/
package types
