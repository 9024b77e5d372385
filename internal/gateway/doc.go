// Package gateway implements the identity translation module.
//
// It receives telemetry from protocol translation modules on the
// "itminput" channel. Messages carrying a leafDeviceId property belong to a
// leaf device: the first one starts hub registration for that device, and
// telemetry is buffered until the hub confirms the registration through the
// "ItmCallback" method. Once registered, the device gets its own hub client
// (authenticated with a signed per-device key) and its buffered telemetry
// is flushed as one batch. Everything else passes through to "itmoutput".
//
// Direct methods invoked on a leaf device are bridged back to the
// translation module as messages on "itmdmreqoutput"; the response arrives
// on "itmdmrespinput" and is matched to the waiting call by correlation ID.
//
// Telemetry is handled on one lane per leaf device: messages for a device
// keep their arrival order, and a device that is slow to register or send
// does not delay any other device.
//
// Registration state lives in memory only and is rebuilt after a restart.
package gateway
