// Package influxdb provides the optional InfluxDB sink for gateway events.
//
// It wraps influxdb-client-go v2 with a non-blocking, batched write API.
// The gateway mirrors low-volume events (registration outcomes, direct
// method results) here; per-message telemetry counts stay in Prometheus.
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without a sink
//	}
//	defer client.Close()
//
//	client.WritePoint("identitygw_events",
//	    map[string]string{"event": "registration"},
//	    map[string]any{"flushed": 3})
//
// Write errors surface asynchronously through SetOnError.
package influxdb
