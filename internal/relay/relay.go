// Package relay publishes hub events to NATS so that external services
// (moderation, analytics) can observe presence changes, group lifecycle, and
// message traffic without being wired into the hub itself. The relay is
// strictly an observer channel: publish failures are reported to the caller
// for logging and never affect client-facing behavior.
package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects the relay publishes on.
const (
	SubjectPresence = "hub.events.presence"
	SubjectRooms    = "hub.events.rooms"
	SubjectMessages = "hub.events.messages"
)

// Event kinds carried on the presence and rooms subjects.
const (
	EventRegistered   = "registered"
	EventDisconnected = "disconnected"
	EventGroupCreated = "group_created"
	EventGroupJoined  = "group_joined"
)

// Message scopes carried on the messages subject.
const (
	ScopePrivate = "private"
	ScopeGroup   = "group"
)

// Event is the JSON payload published on every relay subject.
type Event struct {
	Kind  string `json:"kind"`
	User  string `json:"user,omitempty"`
	Group string `json:"group,omitempty"`
	To    string `json:"to,omitempty"`
	Body  string `json:"body,omitempty"`
	Ts    int64  `json:"ts"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "chat-hub",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Relay wraps the NATS connection used to publish hub events.
type Relay struct {
	conn *nats.Conn
}

// New connects to NATS with the given config and returns a ready relay. It
// returns an error if the initial connection fails.
func New(config Config) (*Relay, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("relay: nats disconnected: %v", err)
			} else {
				log.Printf("relay: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("relay: nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("relay: nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay: nats connect: %w", err)
	}

	log.Printf("relay: connected to %s", nc.ConnectedUrl())
	return &Relay{conn: nc}, nil
}

// PublishPresence publishes a registered/disconnected event for a user.
func (r *Relay) PublishPresence(kind, user string) error {
	return r.publish(SubjectPresence, Event{Kind: kind, User: user, Ts: time.Now().Unix()})
}

// PublishRoom publishes a group lifecycle event.
func (r *Relay) PublishRoom(kind, group, user string) error {
	return r.publish(SubjectRooms, Event{Kind: kind, Group: group, User: user, Ts: time.Now().Unix()})
}

// PublishMessage publishes a message event. For private scope, to is the
// recipient display name; for group scope it is the group name. Body carries
// the text of text messages and is empty for images.
func (r *Relay) PublishMessage(scope, from, to, kind, body string) error {
	ev := Event{Kind: scope, User: from, To: to, Ts: time.Now().Unix()}
	if kind == "text" {
		ev.Body = body
	}
	if scope == ScopeGroup {
		ev.Group = to
		ev.To = ""
	}
	return r.publish(SubjectMessages, ev)
}

// publish marshals the event and sends it on the subject.
func (r *Relay) publish(subject string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("relay: marshal event: %w", err)
	}
	if err := r.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("relay: publish %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (r *Relay) Close() {
	if err := r.conn.Drain(); err != nil {
		log.Printf("relay: connection drain: %v", err)
	}
}
