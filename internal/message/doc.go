// Package message defines the property/payload envelope shared by the hub
// transport, the gateway core and the MQTT front-end.
//
// A Message carries an optional ID and CorrelationID, a map of string
// application properties and an opaque payload. It is deliberately
// transport-neutral: the hub package maps it onto NATS headers and the
// front-end builds it from MQTT publishes.
//
// # Usage
//
//	msg := message.New([]byte(`{"temperature":21.5}`))
//	msg.SetProperty("leafDeviceId", "sensor-01")
//
//	// Forward without the routing properties
//	fwd := msg.Clone("leafDeviceId", "moduleId")
package message
