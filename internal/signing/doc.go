// Package signing derives per-device credentials for leaf devices.
//
// A registered leaf device connects to the hub with a key equal to
// base64(HMAC-SHA256(moduleKey, deviceID)). WorkloadSigner obtains that
// digest from the edge security daemon's workload API over HTTP or a unix
// socket, so the module key stays inside the daemon. HMACSigner computes
// the same digest from a locally configured key.
//
// Signed keys are credentials and must never be logged.
package signing
