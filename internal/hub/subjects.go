package hub

import (
	"fmt"
	"strings"
	"unicode"
)

// Subjects builds the subject layout shared by the gateway and the hub.
//
//	{prefix}.modules.{module}.inputs.{input}
//	{prefix}.modules.{module}.outputs.{output}
//	{prefix}.modules.{module}.methods.{method}
//	{prefix}.devices.{device}.events
//	{prefix}.devices.{device}.events.batch
//	{prefix}.devices.{device}.methods.{method}
type Subjects struct {
	Prefix string
}

// ModuleInput returns the subject a module receives input messages on.
func (s Subjects) ModuleInput(moduleID, input string) string {
	return s.join("modules", moduleID, "inputs", input)
}

// ModuleOutput returns the default subject for a module output.
func (s Subjects) ModuleOutput(moduleID, output string) string {
	return s.join("modules", moduleID, "outputs", output)
}

// ModuleMethod returns the subject a module method listens on.
func (s Subjects) ModuleMethod(moduleID, method string) string {
	return s.join("modules", moduleID, "methods", method)
}

// DeviceEvents returns the telemetry subject for a device identity.
func (s Subjects) DeviceEvents(deviceID string) string {
	return s.join("devices", deviceID, "events")
}

// DeviceEventBatch returns the batched telemetry subject for a device.
func (s Subjects) DeviceEventBatch(deviceID string) string {
	return s.join("devices", deviceID, "events", "batch")
}

// DeviceMethod returns the subject of one direct method on a device.
func (s Subjects) DeviceMethod(deviceID, method string) string {
	return s.join("devices", deviceID, "methods", method)
}

// DeviceMethods returns the wildcard subject covering all of a device's
// direct methods.
func (s Subjects) DeviceMethods(deviceID string) string {
	return s.join("devices", deviceID, "methods", "*")
}

func (s Subjects) join(tokens ...string) string {
	return s.Prefix + "." + strings.Join(tokens, ".")
}

// ValidateToken checks that id can be embedded as a single subject token.
func ValidateToken(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if strings.ContainsAny(id, ".*>") || strings.ContainsFunc(id, unicode.IsSpace) {
		return fmt.Errorf("%w: %q", ErrInvalidToken, id)
	}
	return nil
}

// lastToken returns the final token of a subject.
func lastToken(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}
