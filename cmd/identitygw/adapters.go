package main

import (
	"context"

	"github.com/nerrad567/gray-logic-identity/internal/api"
	"github.com/nerrad567/gray-logic-identity/internal/audit"
	"github.com/nerrad567/gray-logic-identity/internal/gateway"
	"github.com/nerrad567/gray-logic-identity/internal/hub"
)

// deviceConnector adapts hub.DeviceFactory to gateway.DeviceConnector.
type deviceConnector struct {
	factory *hub.DeviceFactory
}

// Connect opens a device connection.
func (c *deviceConnector) Connect(ctx context.Context, deviceID, key string) (gateway.DeviceClient, error) {
	client, err := c.factory.Connect(ctx, deviceID, key)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// eventPublisher is satisfied by api.EventHub.
type eventPublisher interface {
	Publish(ev *audit.Event)
}

var _ eventPublisher = (*api.EventHub)(nil)

// journalFanout stores journal events and pushes them to live subscribers.
// A nil repo only publishes.
type journalFanout struct {
	repo   audit.Repository
	events eventPublisher
}

// Create implements gateway.Journal.
func (j *journalFanout) Create(ctx context.Context, ev *audit.Event) error {
	var err error
	if j.repo != nil {
		err = j.repo.Create(ctx, ev)
	}
	if j.events != nil {
		j.events.Publish(ev)
	}
	return err
}
