/*
Package orchestrator abstracts the container backend behind one
capability set, with two implementations:

  - DockerOrchestrator drives a single-host Docker daemon: named
    containers on a dedicated bridge network, named volumes, image
    pull/build, exec, and stats-based CPU accounting.

  - KubernetesOrchestrator schedules each session as a single-replica
    Deployment: stop and start map to scaling the deployment to 0 and 1,
    volumes are hostPath directories under a shared NFS base, and CPU
    comes from the metrics API.

Both backends derive container names deterministically from the user
identity via NormalizeName, so a session can always be re-associated with
its container after a restart. CPU activity is reported on a common
scale: one fully busy core reads as 100, higher means busier.
*/
package orchestrator
