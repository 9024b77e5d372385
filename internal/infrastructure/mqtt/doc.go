// Package mqtt provides the MQTT client behind the leaf device front-end.
//
// Leaf devices that speak MQTT publish telemetry to device/{id}/message and
// answer direct methods on device/{id}/directmethod/{method}/response. This
// package wraps paho.mqtt.golang with auto-reconnect, subscription restore
// after reconnect, handler panic recovery, and a retained status topic with
// a Last Will so operators can see when the gateway drops off the broker.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceMessages(), 1,
//	    func(topic string, payload []byte) error {
//	        deviceID, _, _, _ := mqtt.ParseDeviceTopic(topic)
//	        ...
//	    })
package mqtt
