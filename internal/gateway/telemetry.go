package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-identity/internal/audit"
	"github.com/nerrad567/gray-logic-identity/internal/hub"
	"github.com/nerrad567/gray-logic-identity/internal/leaf"
	"github.com/nerrad567/gray-logic-identity/internal/message"
)

const (
	contentTypeJSON    = "application/json"
	contentEncodingUTF = "utf-8"
	operationCreate    = "create"
)

// registrationRequest is the body of a LeafEvent sent on the pipe output.
type registrationRequest struct {
	HubHostname  string `json:"hubHostname"`
	LeafDeviceID string `json:"leafDeviceId"`
	EdgeDeviceID string `json:"edgeDeviceId"`
	EdgeModuleID string `json:"edgeModuleId"`
	Operation    string `json:"operation"`
}

// HandleTelemetry processes one message received on the telemetry input.
// Leaf telemetry is routed through the device's registration state; other
// messages are forwarded unchanged on the pipe output. Failures are logged
// and never returned, so one bad message cannot stall the input.
//
// HandleTelemetry runs on the caller's goroutine. The input handler
// installed by Start calls it on the message's device lane instead.
func (g *Gateway) HandleTelemetry(ctx context.Context, msg *message.Message) error {
	return g.dispatch(InputTelemetry)(ctx, msg)
}

func (g *Gateway) handleLeafTelemetry(ctx context.Context, msg *message.Message) {
	deviceID, _ := msg.Property(PropertyLeafDeviceID)
	if deviceID == "" {
		g.logger.Warn("dropping leaf telemetry with empty device id", "message_id", msg.ID)
		g.metrics.TelemetryHandled(leaf.DispositionDropped)
		return
	}
	sourceModule, _ := msg.Property(PropertyModuleID)

	rec, created := g.registry.GetOrCreate(deviceID)
	if created {
		g.logger.Info("new leaf device", "device_id", deviceID, "source_module", sourceModule)
	}
	if rec.Status() == leaf.StatusNew {
		g.startRegistration(ctx, rec, sourceModule)
	}

	delivery, err := rec.Deliver(ctx, msg.Clone(PropertyLeafDeviceID, PropertyModuleID))
	if delivery.Evicted {
		g.metrics.CacheEvicted()
		g.logger.Warn("registration buffer full, oldest message dropped", "device_id", deviceID)
	}
	g.metrics.TelemetryHandled(delivery.Disposition)

	switch {
	case errors.Is(err, hub.ErrUnauthorized):
		g.metrics.SendFailed("unauthorized")
		g.logger.Error("device not authorized to send telemetry, message dropped", "device_id", deviceID, "error", err)
	case err != nil:
		g.metrics.SendFailed("error")
		g.logger.Error("failed to send device telemetry", "device_id", deviceID, "error", err)
	case delivery.Disposition == leaf.DispositionRejected:
		g.logger.Debug("dropping telemetry for unregistered device", "device_id", deviceID)
	case delivery.Disposition == leaf.DispositionHeld:
		g.logger.Debug("dropping telemetry while registration is pending", "device_id", deviceID)
	case delivery.Disposition == leaf.DispositionDropped:
		g.logger.Warn("dropping telemetry, device registration incomplete", "device_id", deviceID, "status", rec.Status().String())
	}
}

// startRegistration sends the LeafEvent for a New record. A concurrent
// caller that loses the race does nothing.
func (g *Gateway) startRegistration(ctx context.Context, rec *leaf.Record, sourceModule string) {
	started, err := rec.StartRegistration(ctx, sourceModule, func(ctx context.Context) error {
		return g.module.SendEvent(ctx, OutputPipe, g.registrationMessage(rec.ID()))
	})
	if err != nil {
		g.metrics.SendFailed("registration")
		g.logger.Error("failed to send registration request", "device_id", rec.ID(), "error", err)
		return
	}
	if !started {
		return
	}

	g.metrics.RegistrationStarted()
	g.logger.Info("registration requested", "device_id", rec.ID(), "source_module", sourceModule)
	g.journalEvent(ctx, audit.ActionRegistrationRequested, rec.ID(), map[string]any{
		"source_module": sourceModule,
	})
}

func (g *Gateway) registrationMessage(deviceID string) *message.Message {
	body, _ := json.Marshal(registrationRequest{ //nolint:errcheck // plain string struct cannot fail to marshal
		HubHostname:  g.identity.HubHostname,
		LeafDeviceID: deviceID,
		EdgeDeviceID: g.identity.EdgeDeviceID,
		EdgeModuleID: g.identity.EdgeModuleID,
		Operation:    operationCreate,
	})

	msg := message.New(body)
	msg.ID = uuid.NewString()
	msg.ContentType = contentTypeJSON
	msg.ContentEncoding = contentEncodingUTF
	msg.SetProperty(PropertyMessageType, MessageTypeLeafEvent)
	return msg
}

func (g *Gateway) handlePassThrough(ctx context.Context, msg *message.Message) {
	if err := g.module.SendEvent(ctx, OutputPipe, msg.Clone()); err != nil {
		g.metrics.SendFailed("pass_through")
		g.logger.Error("failed to forward message", "message_id", msg.ID, "error", err)
		return
	}
	g.metrics.PassThrough()
}
