// Package hub is the gateway's transport to the cloud message hub, built on
// NATS.
//
// The hub exposes three kinds of endpoints, all mapped to subjects under a
// configurable prefix (see Subjects):
//
//   - module inputs and outputs: asynchronous messages between modules and
//     the hub, with application properties carried as "Prop-" headers
//   - methods: request/reply calls answered with a "Method-Status" header
//   - device endpoints: telemetry and direct methods under a leaf device's
//     own identity, on a connection authenticated as that device
//
// A Client owns the gateway's module connection and can act as several
// module identities. A DeviceFactory opens one connection per registered
// leaf device, optionally through the transparent gateway endpoint.
//
// Permission violations reported by the server for a publish are surfaced
// synchronously as ErrUnauthorized: every publish is followed by a flush,
// and the server reports a refused publish before answering the flush.
//
// Connection status changes (disconnected, reconnected, closed) are logged
// per module and per device.
package hub
