// Package device tracks authenticated client devices and their session
// subscriptions, and fans broadcast payloads out to them. The Registry is the
// hub's view of who is connected; the Transport abstracts how frames reach a
// device so the hub never depends on whether a connection is direct or routed
// through a relay.
package device

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"
)

// Transport delivers marshaled frames to one connected device. Send queues a
// frame and reports false if it was dropped because the device is too slow.
// SendPriority makes room by evicting a queued frame first, so control
// messages survive backpressure. Done is closed when the transport fails or
// closes; Close tears it down.
type Transport interface {
	Send(data []byte) bool
	SendPriority(data []byte) bool
	Done() <-chan struct{}
	Close()
}

// Client is one authenticated device connection.
type Client struct {
	DeviceID    string
	ConnectedAt time.Time

	transport     Transport
	subscriptions map[string]struct{}
}

// Transport returns the client's delivery handle.
func (c *Client) Transport() Transport {
	return c.transport
}

// Registry owns every connected device. It is not safe for concurrent use:
// the hub owns it and applies all mutations from its event loop.
type Registry struct {
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register adds a device after successful authentication. A device that
// reconnects under the same id keeps its subscription set: the stale
// transport is closed so its pump exits and the fresh one takes over, which
// is what lets a sync after a network blip report the device's previous
// subscriptions.
func (r *Registry) Register(deviceID string, t Transport) *Client {
	if prev, ok := r.clients[deviceID]; ok {
		prev.transport.Close()
		prev.transport = t
		prev.ConnectedAt = time.Now()
		slog.Info("device reconnected, replacing transport", "device_id", deviceID)
		return prev
	}
	c := &Client{
		DeviceID:      deviceID,
		ConnectedAt:   time.Now(),
		transport:     t,
		subscriptions: make(map[string]struct{}),
	}
	r.clients[deviceID] = c
	return c
}

// Unregister removes a device when its connection goes away. The transport
// identity is checked so a late disconnect from a replaced connection cannot
// remove the device's fresh registration.
func (r *Registry) Unregister(deviceID string, t Transport) {
	c, ok := r.clients[deviceID]
	if !ok || c.transport != t {
		return
	}
	delete(r.clients, deviceID)
}

// Get returns the client for deviceID, or nil.
func (r *Registry) Get(deviceID string) *Client {
	return r.clients[deviceID]
}

// Count returns the number of connected devices.
func (r *Registry) Count() int {
	return len(r.clients)
}

// Subscribe adds sessionID to the device's subscription set. Subscribing
// twice is harmless. Reports false for an unknown device.
func (r *Registry) Subscribe(deviceID, sessionID string) bool {
	c, ok := r.clients[deviceID]
	if !ok {
		return false
	}
	c.subscriptions[sessionID] = struct{}{}
	return true
}

// Unsubscribe removes sessionID from the device's subscription set.
func (r *Registry) Unsubscribe(deviceID, sessionID string) {
	if c, ok := r.clients[deviceID]; ok {
		delete(c.subscriptions, sessionID)
	}
}

// Subscriptions returns the device's subscribed session ids, sorted for
// stable sync responses.
func (r *Registry) Subscriptions(deviceID string) []string {
	c, ok := r.clients[deviceID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DropSession removes sessionID from every device's subscription set. Called
// when a session is terminated.
func (r *Registry) DropSession(sessionID string) {
	for _, c := range r.clients {
		delete(c.subscriptions, sessionID)
	}
}

// DeviceIDs returns all connected device ids, sorted.
func (r *Registry) DeviceIDs() []string {
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SubscriberIDs returns the ids of devices subscribed to sessionID, sorted.
func (r *Registry) SubscriberIDs(sessionID string) []string {
	var out []string
	for id, c := range r.clients {
		if _, ok := c.subscriptions[sessionID]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SendTo marshals payload and queues it for one device. Unknown devices are
// ignored. Priority frames survive backpressure by evicting queued output.
func (r *Registry) SendTo(deviceID string, payload any, priority bool) {
	c, ok := r.clients[deviceID]
	if !ok {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal payload for device failed", "device_id", deviceID, "error", err)
		return
	}
	r.deliver(c, data, priority)
}

// BroadcastSubscribers marshals payload once and queues it for every device
// subscribed to sessionID.
func (r *Registry) BroadcastSubscribers(sessionID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal broadcast payload failed", "session_id", sessionID, "error", err)
		return
	}
	for _, c := range r.clients {
		if _, ok := c.subscriptions[sessionID]; ok {
			r.deliver(c, data, false)
		}
	}
}

// BroadcastAll marshals payload once and queues it for every connected
// device regardless of subscriptions. The supervisor session is delivered
// this way: it is one shared conversation all devices observe.
func (r *Registry) BroadcastAll(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal broadcast payload failed", "error", err)
		return
	}
	for _, c := range r.clients {
		r.deliver(c, data, false)
	}
}

func (r *Registry) deliver(c *Client, data []byte, priority bool) {
	var sent bool
	if priority {
		sent = c.transport.SendPriority(data)
	} else {
		sent = c.transport.Send(data)
	}
	if !sent {
		slog.Warn("device send buffer full, dropping frame", "device_id", c.DeviceID)
	}
}
