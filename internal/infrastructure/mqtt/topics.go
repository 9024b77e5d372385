package mqtt

import "strings"

// Topic segments for the leaf device protocol.
const (
	topicDevice       = "device"
	topicMessage      = "message"
	topicDirectMethod = "directmethod"
	topicRequest      = "request"
	topicResponse     = "response"
	topicGateway      = "gateway"
	topicStatus       = "status"
)

// TopicKind is the type of a parsed device topic.
type TopicKind int

const (
	// TopicUnknown is any topic outside the device protocol.
	TopicUnknown TopicKind = iota
	// TopicDeviceMessage is device/{id}/message.
	TopicDeviceMessage
	// TopicMethodRequest is device/{id}/directmethod/{method}/request.
	TopicMethodRequest
	// TopicMethodResponse is device/{id}/directmethod/{method}/response.
	TopicMethodResponse
)

// Topics builds leaf device topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceMethodRequest("LeafDevice1", "reboot")
//	// device/LeafDevice1/directmethod/reboot/request
type Topics struct{}

// DeviceMessage is where a device publishes telemetry.
func (Topics) DeviceMessage(deviceID string) string {
	return join(topicDevice, deviceID, topicMessage)
}

// DeviceMethodRequest is where the gateway publishes a direct method call.
func (Topics) DeviceMethodRequest(deviceID, method string) string {
	return join(topicDevice, deviceID, topicDirectMethod, method, topicRequest)
}

// DeviceMethodResponse is where a device answers a direct method call.
func (Topics) DeviceMethodResponse(deviceID, method string) string {
	return join(topicDevice, deviceID, topicDirectMethod, method, topicResponse)
}

// AllDeviceMessages matches telemetry from every device.
func (Topics) AllDeviceMessages() string {
	return join(topicDevice, "+", topicMessage)
}

// AllDeviceMethodResponses matches every direct method response.
func (Topics) AllDeviceMethodResponses() string {
	return join(topicDevice, "+", topicDirectMethod, "+", topicResponse)
}

// GatewayStatus is the retained online/offline topic for a client.
func (Topics) GatewayStatus(clientID string) string {
	return join(topicGateway, clientID, topicStatus)
}

// ParseDeviceTopic extracts the device ID and, for direct method topics,
// the method name.
//
// Returns:
//   - deviceID, method: Topic parameters (method empty for messages)
//   - kind: The topic kind
//   - ok: false for topics outside the device protocol
func ParseDeviceTopic(topic string) (deviceID, method string, kind TopicKind, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != topicDevice || parts[1] == "" {
		return "", "", TopicUnknown, false
	}

	switch {
	case len(parts) == 3 && parts[2] == topicMessage:
		return parts[1], "", TopicDeviceMessage, true
	case len(parts) == 5 && parts[2] == topicDirectMethod && parts[3] != "":
		switch parts[4] {
		case topicRequest:
			return parts[1], parts[3], TopicMethodRequest, true
		case topicResponse:
			return parts[1], parts[3], TopicMethodResponse, true
		}
	}
	return "", "", TopicUnknown, false
}

func join(parts ...string) string {
	return strings.Join(parts, "/")
}
