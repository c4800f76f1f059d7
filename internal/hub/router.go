// Package hub implements the presence and messaging state machine. The
// Router owns the presence registry and group directory, serializes every
// read-then-write transition under a single mutex, and fans each inbound
// event out into the set of deliveries it implies. Payloads are computed
// from snapshots taken inside the critical section and written to the
// transport outside it, so slow sockets never block state mutation.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/parley/chat-hub/internal/ai"
	"github.com/parley/chat-hub/internal/metrics"
	"github.com/parley/chat-hub/internal/presence"
	"github.com/parley/chat-hub/internal/protocol"
	"github.com/parley/chat-hub/internal/ratelimit"
	"github.com/parley/chat-hub/internal/relay"
	"github.com/parley/chat-hub/internal/rooms"
)

// AIDisplayName is the sender name attached to completion replies.
const AIDisplayName = "AI Assistant"

// Transport is the delivery surface the router depends on: emit-to-one and
// broadcast-to-all. The WebSocket server implements it; tests substitute a
// fake. Delivery is best-effort — a send to a connection that has vanished is
// a no-op.
type Transport interface {
	SendMessage(connID string, data []byte) error
	Broadcast(data []byte)
}

// Options configures a Router. Transport and Gateway are required; Limiter
// and Relay are optional and disabled when nil.
type Options struct {
	Transport Transport
	Gateway   ai.Gateway
	Limiter   *ratelimit.Limiter
	Relay     *relay.Relay
}

// Router is the protocol state machine. It has no durable state of its own:
// everything lives in the presence registry and the group directory, both
// guarded by the single mutex.
type Router struct {
	mu        sync.Mutex
	registry  *presence.Registry
	directory *rooms.Directory

	transport Transport
	gateway   ai.Gateway
	limiter   *ratelimit.Limiter
	relay     *relay.Relay
}

// NewRouter creates a Router with empty presence and group state.
func NewRouter(opts Options) *Router {
	return &Router{
		registry:  presence.NewRegistry(),
		directory: rooms.NewDirectory(),
		transport: opts.Transport,
		gateway:   opts.Gateway,
		limiter:   opts.Limiter,
		relay:     opts.Relay,
	}
}

// delivery is one outbound notification computed by a transition: either a
// broadcast or a payload addressed to a single connection.
type delivery struct {
	connID    string
	broadcast bool
	data      []byte
}

// deliver writes the computed notifications to the transport. Called outside
// the router lock. Individual send failures are logged and ignored — dead
// connections are reaped by the transport layer.
func (r *Router) deliver(out []delivery) {
	for _, d := range out {
		if d.broadcast {
			r.transport.Broadcast(d.data)
			continue
		}
		if err := r.transport.SendMessage(d.connID, d.data); err != nil {
			log.Printf("hub: send to %s failed: %v", d.connID, err)
		}
	}
}

// sendError delivers an error_message to the originating connection only.
func (r *Router) sendError(connID, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeErrorMessage, protocol.ErrorMessageMsg{
		Message: message,
	})
	if err != nil {
		log.Printf("hub: failed to build error message: %v", err)
		return
	}
	if err := r.transport.SendMessage(connID, data); err != nil {
		log.Printf("hub: send error_message to %s failed: %v", connID, err)
	}
}

// userListFanout builds one personalized update_user_list per registered
// connection, each excluding the receiver's own name. Must be called with
// the lock held.
func (r *Router) userListFanout() []delivery {
	out := make([]delivery, 0, r.registry.Len())
	for _, connID := range r.registry.Connections() {
		data, err := protocol.NewServerMessage(protocol.TypeUserList, protocol.UserListMsg{
			Users: r.registry.NamesExcept(connID),
		})
		if err != nil {
			log.Printf("hub: failed to build user list: %v", err)
			continue
		}
		out = append(out, delivery{connID: connID, data: data})
	}
	return out
}

// groupListDelivery builds an update_group_list from the current directory
// snapshot. With connID empty it is a broadcast. Must be called with the
// lock held.
func (r *Router) groupListDelivery(connID string) (delivery, error) {
	data, err := protocol.NewServerMessage(protocol.TypeGroupList, protocol.GroupListMsg{
		Groups: r.directory.Snapshot(),
	})
	if err != nil {
		return delivery{}, fmt.Errorf("hub: failed to build group list: %w", err)
	}
	return delivery{connID: connID, broadcast: connID == "", data: data}, nil
}

// ---------------------------------------------------------------------------
// Event handlers
// ---------------------------------------------------------------------------

// HandleRegister processes register_user. On success every registered user
// gets a fresh peer list and the registrant alone gets the group directory.
// A taken name leaves existing registrations untouched and errors only the
// requester. Registering again under a new name releases the previous name
// and its room memberships, so the connection is only ever reachable under
// one name.
func (r *Router) HandleRegister(connID, username string) {
	r.mu.Lock()
	oldName, hadName := r.registry.Name(connID)
	if err := r.registry.Register(connID, username); err != nil {
		r.mu.Unlock()
		log.Printf("hub: duplicate registration attempt name=%q conn=%s", username, connID)
		r.sendError(connID, fmt.Sprintf("Username '%s' is already taken. Please choose another name.", username))
		return
	}
	renamed := hadName && oldName != username
	if renamed {
		r.directory.LeaveAll(oldName)
	}
	out := r.userListFanout()
	if renamed {
		// Memberships under the old name are gone; everyone needs the
		// updated directory.
		if d, err := r.groupListDelivery(""); err == nil {
			out = append(out, d)
		}
	} else if d, err := r.groupListDelivery(connID); err == nil {
		out = append(out, d)
	}
	users := r.registry.Len()
	groups := r.directory.Len()
	r.mu.Unlock()

	metrics.RegisteredUsers.Set(float64(users))
	if renamed {
		metrics.GroupsTotal.Set(float64(groups))
		log.Printf("hub: user renamed %q -> %q conn=%s (users=%d)", oldName, username, connID, users)
	} else {
		log.Printf("hub: user registered name=%q conn=%s (users=%d)", username, connID, users)
	}
	r.deliver(out)
	r.relayPresence(relay.EventRegistered, username)
}

// HandleDisconnect processes a connection teardown. An unregistered
// connection is a no-op. Otherwise the name is freed, the user leaves every
// group (empty groups are deleted), remaining users get fresh peer lists,
// and everyone gets the updated group directory.
func (r *Router) HandleDisconnect(connID string) {
	r.mu.Lock()
	name, ok := r.registry.Unregister(connID)
	if !ok {
		r.mu.Unlock()
		return
	}
	departures := r.directory.LeaveAll(name)
	out := r.userListFanout()
	if d, err := r.groupListDelivery(""); err == nil {
		out = append(out, d)
	}
	users := r.registry.Len()
	groups := r.directory.Len()
	r.mu.Unlock()

	metrics.RegisteredUsers.Set(float64(users))
	metrics.GroupsTotal.Set(float64(groups))
	for _, dep := range departures {
		if dep.Deleted {
			log.Printf("hub: removed empty group %q after %q left", dep.Group, name)
		}
	}
	log.Printf("hub: user disconnected name=%q conn=%s (users=%d)", name, connID, users)
	r.deliver(out)
	r.relayPresence(relay.EventDisconnected, name)
}

// HandlePrivateMessage processes send_private_message. The message is
// transient: an offline recipient means an error to the sender and nothing
// else.
func (r *Router) HandlePrivateMessage(connID string, msg protocol.PrivateMessageMsg) {
	if !r.allowMessage(connID) {
		return
	}

	r.mu.Lock()
	sender, ok := r.registry.Name(connID)
	if !ok {
		r.mu.Unlock()
		r.sendError(connID, "You must register a username before sending messages")
		return
	}
	if msg.Kind != protocol.KindText && msg.Kind != protocol.KindImage {
		r.mu.Unlock()
		r.sendError(connID, "Unsupported message type")
		return
	}
	target, ok := r.registry.Connection(msg.To)
	if !ok {
		r.mu.Unlock()
		r.sendError(connID, fmt.Sprintf("User '%s' is not online", msg.To))
		return
	}
	data, err := protocol.NewServerMessage(protocol.TypeReceivePrivate, protocol.ReceivePrivateMsg{
		From:    sender,
		Kind:    msg.Kind,
		Message: msg.Message,
		Image:   msg.Image,
	})
	r.mu.Unlock()

	if err != nil {
		log.Printf("hub: failed to build private message: %v", err)
		return
	}
	metrics.MessagesTotal.WithLabelValues("private").Inc()
	r.deliver([]delivery{{connID: target, data: data}})
	r.relayMessage(relay.ScopePrivate, sender, msg.To, msg.Kind, msg.Message)
}

// HandleCreateGroup processes create_group. The creator becomes the sole
// member and everyone sees the updated directory.
func (r *Router) HandleCreateGroup(connID, group string) {
	r.mu.Lock()
	creator, ok := r.registry.Name(connID)
	if !ok {
		r.mu.Unlock()
		r.sendError(connID, "You must register a username before creating groups")
		return
	}
	if err := r.directory.Create(group, creator); err != nil {
		r.mu.Unlock()
		switch {
		case errors.Is(err, rooms.ErrEmptyName):
			r.sendError(connID, "Group name cannot be empty")
		case errors.Is(err, rooms.ErrAlreadyExists):
			r.sendError(connID, fmt.Sprintf("Group '%s' already exists", group))
		default:
			log.Printf("hub: create group %q: %v", group, err)
		}
		return
	}
	var out []delivery
	if d, err := r.groupListDelivery(""); err == nil {
		out = append(out, d)
	}
	groups := r.directory.Len()
	r.mu.Unlock()

	metrics.GroupsTotal.Set(float64(groups))
	log.Printf("hub: group created name=%q by=%q (groups=%d)", group, creator, groups)
	r.deliver(out)
	r.relayRoom(relay.EventGroupCreated, group, creator)
}

// HandleJoinGroup processes join_group. A duplicate join is a silent no-op:
// no join notification, no duplicate entry, but the directory broadcast
// still goes out.
func (r *Router) HandleJoinGroup(connID, group string) {
	r.mu.Lock()
	member, ok := r.registry.Name(connID)
	if !ok {
		r.mu.Unlock()
		r.sendError(connID, "You must register a username before joining groups")
		return
	}
	joined, err := r.directory.Join(group, member)
	if err != nil {
		r.mu.Unlock()
		r.sendError(connID, "Group not found")
		return
	}
	var out []delivery
	if joined {
		out = append(out, r.groupNotification(group, fmt.Sprintf("%s joined the group", member))...)
	}
	if d, err := r.groupListDelivery(""); err == nil {
		out = append(out, d)
	}
	r.mu.Unlock()

	if joined {
		log.Printf("hub: %q joined group %q", member, group)
	}
	r.deliver(out)
	if joined {
		r.relayRoom(relay.EventGroupJoined, group, member)
	}
}

// HandleGroupMessage processes send_group_message. Delivery goes to every
// member except the sender; membership is not required to send, only that
// the group exists.
func (r *Router) HandleGroupMessage(connID string, msg protocol.GroupMessageMsg) {
	if !r.allowMessage(connID) {
		return
	}

	r.mu.Lock()
	sender, ok := r.registry.Name(connID)
	if !ok {
		r.mu.Unlock()
		r.sendError(connID, "You must register a username before sending messages")
		return
	}
	if msg.Group == "" || !r.directory.Exists(msg.Group) {
		r.mu.Unlock()
		r.sendError(connID, "Invalid group")
		return
	}
	if msg.Kind != protocol.KindText && msg.Kind != protocol.KindImage {
		r.mu.Unlock()
		r.sendError(connID, "Unsupported message type")
		return
	}
	data, err := protocol.NewServerMessage(protocol.TypeReceiveGroupMessage, protocol.ReceiveGroupMsg{
		Group:   msg.Group,
		From:    sender,
		Kind:    msg.Kind,
		Message: msg.Message,
		Image:   msg.Image,
	})
	var out []delivery
	if err == nil {
		for _, name := range r.directory.Members(msg.Group) {
			if name == sender {
				continue
			}
			if memberConn, online := r.registry.Connection(name); online {
				out = append(out, delivery{connID: memberConn, data: data})
			}
		}
	}
	r.mu.Unlock()

	if err != nil {
		log.Printf("hub: failed to build group message: %v", err)
		return
	}
	metrics.MessagesTotal.WithLabelValues("group").Inc()
	r.deliver(out)
	r.relayMessage(relay.ScopeGroup, sender, msg.Group, msg.Kind, msg.Message)
}

// HandleAskAI processes ask_ai. The completion call runs on its own
// goroutine with no shared state locked; the result — or a normalized
// failure text — is delivered to the requester only. A disconnect mid-flight
// makes the final send a transport no-op.
func (r *Router) HandleAskAI(connID, prompt string) {
	if !r.allowCompletion(connID) {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		start := time.Now()
		reply, err := r.gateway.Complete(ctx, prompt)
		metrics.CompletionLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.CompletionFailures.Inc()
			log.Printf("hub: completion failed conn=%s: %v", connID, err)
			reply = "AI Error: " + strings.TrimPrefix(err.Error(), "ai: ")
		}

		data, err := protocol.NewServerMessage(protocol.TypeAIResponse, protocol.AIResponseMsg{
			From:    AIDisplayName,
			Message: reply,
		})
		if err != nil {
			log.Printf("hub: failed to build ai response: %v", err)
			return
		}
		metrics.MessagesTotal.WithLabelValues("ai").Inc()
		r.deliver([]delivery{{connID: connID, data: data}})
	}()
}

// groupNotification builds a membership announcement addressed to every
// member of the group with a live connection. Must be called with the lock
// held.
func (r *Router) groupNotification(group, message string) []delivery {
	data, err := protocol.NewServerMessage(protocol.TypeGroupNotification, protocol.GroupNotificationMsg{
		Group:   group,
		Message: message,
	})
	if err != nil {
		log.Printf("hub: failed to build group notification: %v", err)
		return nil
	}
	var out []delivery
	for _, name := range r.directory.Members(group) {
		if connID, online := r.registry.Connection(name); online {
			out = append(out, delivery{connID: connID, data: data})
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

// allowMessage applies the per-connection message rate limit. With no
// limiter configured (or on Redis errors, which fail open inside the
// limiter) everything is allowed.
func (r *Router) allowMessage(connID string) bool {
	if r.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	allowed, _ := r.limiter.Allow(ctx, connID, ratelimit.RuleMessage)
	if !allowed {
		r.sendError(connID, "You are sending messages too quickly. Please slow down.")
	}
	return allowed
}

// allowCompletion applies the per-connection AI query rate limit.
func (r *Router) allowCompletion(connID string) bool {
	if r.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	allowed, _ := r.limiter.Allow(ctx, connID, ratelimit.RuleCompletion)
	if !allowed {
		r.sendError(connID, "You are sending AI requests too quickly. Please slow down.")
	}
	return allowed
}

// ---------------------------------------------------------------------------
// Event relay
// ---------------------------------------------------------------------------

func (r *Router) relayPresence(kind, user string) {
	if r.relay == nil {
		return
	}
	if err := r.relay.PublishPresence(kind, user); err != nil {
		log.Printf("hub: relay presence event failed: %v", err)
	}
}

func (r *Router) relayRoom(kind, group, user string) {
	if r.relay == nil {
		return
	}
	if err := r.relay.PublishRoom(kind, group, user); err != nil {
		log.Printf("hub: relay room event failed: %v", err)
	}
}

func (r *Router) relayMessage(scope, from, to, kind, text string) {
	if r.relay == nil {
		return
	}
	if err := r.relay.PublishMessage(scope, from, to, kind, text); err != nil {
		log.Printf("hub: relay message event failed: %v", err)
	}
}
