// Package leaf tracks the registration lifecycle of leaf devices.
//
// A leaf device talks to the hub only through the gateway. The first time
// the gateway sees telemetry from one, it creates a Record and sends a
// registration request. Until the hub confirms, the device's telemetry is
// buffered in order; on a successful confirmation the record obtains its
// own hub transport and flushes the buffer as one batch.
//
// # Lifecycle
//
//	New -> Initialize -> WaitingConfirmation -> Confirmed -> Registered
//	                                                      \-> NotRegistered
//
// Result codes 200/201 register the device, 401/403/404 reject it, anything
// else leaves it Confirmed. Registration state lives in memory only and is
// rebuilt from scratch on restart.
//
// # Concurrency
//
// The Registry guards its map with an RWMutex and offers an atomic
// GetOrCreate. Each Record guards its status, buffer and transport with
// its own mutex; transitions hold it for their whole duration. There is no
// cross-device locking.
package leaf
