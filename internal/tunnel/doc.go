// Package tunnel implements the CONNECT tunnel engine for proxy-ify.
//
// Features:
//   - Tunnel entity owning the client and origin connections of one CONNECT session
//   - Two independent relay loops per tunnel, each copying through a pooled 64KB buffer
//   - Monotonic liveness: relay failures, closed connections and unhealthy transport
//     state all end the tunnel for good
//   - Optional kernel TCP table inspection of the client connection (Linux, Windows)
//   - Registry of active tunnels guarded by a single mutex, with handle-free snapshots
//
// Usage:
//  1. Build a Tunnel with New once both connections are established
//  2. Register it with Registry.Add and call Start to launch the relay loops
//  3. Wait on Done (or poll IsActive) until the tunnel ends
//  4. Call Registry.Remove to unregister it and close both connections
package tunnel
