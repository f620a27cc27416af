// Package workers provides the worker managers that create and tear down
// build workers for the orchestrator.
//
// PoolManager leases hosts from a static inventory of SSH reachable
// machines and resets them on Destroy. CommandManager drives an external
// CLI (a cloud provider tool or a site script) through templated hook
// commands, so any platform that can launch and terminate a machine from a
// shell can host workers.
//
// Both managers implement engine.WorkerManager and engine.NetworkReleaser.
package workers
