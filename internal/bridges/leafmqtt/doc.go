// Package leafmqtt is the MQTT front-end that puts leaf devices on the hub.
//
// Leaf devices speak a small topic protocol:
//
//	device/{id}/message                          telemetry from the device
//	device/{id}/directmethod/{method}/request    call to the device
//	device/{id}/directmethod/{method}/response   the device's answer
//
// The bridge runs as its own hub module. Telemetry leaves on the
// "ptm_output" output tagged with the leafDeviceId and moduleId
// properties, which is exactly what the identity gateway's telemetry
// input expects. Direct method requests arrive on the "ptm_dm_input"
// input and responses go back on "ptm_dm_output" correlated by the
// request's message ID.
//
// Request and response bodies on the broker are JSON objects:
//
//	{"RequestId": "<message id>", "Data": <method payload>}
package leafmqtt
