package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parley/chat-hub/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeTransport records every delivery instead of writing to sockets, so
// transitions can be asserted without a live transport.
type fakeTransport struct {
	mu         sync.Mutex
	sent       map[string][]map[string]interface{} // connID -> decoded payloads
	broadcasts []map[string]interface{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][]map[string]interface{})}
}

func (f *fakeTransport) SendMessage(connID string, data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent[connID] = append(f.sent[connID], m)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Broadcast(data []byte) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	f.mu.Lock()
	f.broadcasts = append(f.broadcasts, m)
	f.mu.Unlock()
}

// msgsFor returns all payloads delivered directly to connID.
func (f *fakeTransport) msgsFor(connID string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, len(f.sent[connID]))
	copy(out, f.sent[connID])
	return out
}

// ofType filters payloads by the "type" discriminator.
func ofType(msgs []map[string]interface{}, msgType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range msgs {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// lastOfType returns the most recent payload of the given type, failing the
// test if none was delivered.
func lastOfType(t *testing.T, msgs []map[string]interface{}, msgType string) map[string]interface{} {
	t.Helper()
	filtered := ofType(msgs, msgType)
	if len(filtered) == 0 {
		t.Fatalf("no %q message delivered (got %v)", msgType, msgs)
	}
	return filtered[len(filtered)-1]
}

// lastBroadcast returns the most recent broadcast of the given type.
func (f *fakeTransport) lastBroadcast(t *testing.T, msgType string) map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.broadcasts) - 1; i >= 0; i-- {
		if f.broadcasts[i]["type"] == msgType {
			return f.broadcasts[i]
		}
	}
	t.Fatalf("no %q broadcast (got %v)", msgType, f.broadcasts)
	return nil
}

// userList decodes the "users" field of an update_user_list payload.
func userList(t *testing.T, msg map[string]interface{}) []string {
	t.Helper()
	raw, ok := msg["users"].([]interface{})
	if !ok {
		t.Fatalf("expected users array, got %T", msg["users"])
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i] = v.(string)
	}
	return out
}

// groupList decodes the "groups" field of an update_group_list payload.
func groupList(t *testing.T, msg map[string]interface{}) map[string][]string {
	t.Helper()
	raw, ok := msg["groups"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected groups object, got %T", msg["groups"])
	}
	out := make(map[string][]string, len(raw))
	for name, members := range raw {
		list := members.([]interface{})
		names := make([]string, len(list))
		for i, v := range list {
			names[i] = v.(string)
		}
		out[name] = names
	}
	return out
}

// fakeGateway returns a canned completion reply or error.
type fakeGateway struct {
	reply string
	err   error
}

func (g fakeGateway) Complete(ctx context.Context, prompt string) (string, error) {
	return g.reply, g.err
}

func newTestRouter(gw fakeGateway) (*Router, *fakeTransport) {
	ft := newFakeTransport()
	r := NewRouter(Options{Transport: ft, Gateway: gw})
	return r, ft
}

// waitFor polls until cond holds or the deadline passes. The AI handler runs
// asynchronously, so its tests need to wait for delivery.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

// ---------------------------------------------------------------------------
// register_user
// ---------------------------------------------------------------------------

func TestRegister_FanOut(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})

	r.HandleRegister("conn-a", "alice")

	// The first registrant sees an empty peer list and the (empty) group
	// directory.
	msgs := ft.msgsFor("conn-a")
	if got := userList(t, lastOfType(t, msgs, protocol.TypeUserList)); len(got) != 0 {
		t.Errorf("expected empty peer list, got %v", got)
	}
	if got := groupList(t, lastOfType(t, msgs, protocol.TypeGroupList)); len(got) != 0 {
		t.Errorf("expected empty group directory, got %v", got)
	}

	r.HandleRegister("conn-b", "bob")

	// Every registered user gets a personalized peer list excluding self.
	aList := userList(t, lastOfType(t, ft.msgsFor("conn-a"), protocol.TypeUserList))
	bList := userList(t, lastOfType(t, ft.msgsFor("conn-b"), protocol.TypeUserList))
	if len(aList) != 1 || aList[0] != "bob" {
		t.Errorf("alice's peer list: expected [bob], got %v", aList)
	}
	if len(bList) != 1 || bList[0] != "alice" {
		t.Errorf("bob's peer list: expected [alice], got %v", bList)
	}
}

func TestRegister_DuplicateName(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})

	r.HandleRegister("conn-a", "alice")
	r.HandleRegister("conn-b", "alice")

	// B receives the error; A's registration stands.
	errMsg := lastOfType(t, ft.msgsFor("conn-b"), protocol.TypeErrorMessage)
	if msg := errMsg["message"].(string); !strings.Contains(msg, "'alice' is already taken") {
		t.Errorf("unexpected error text: %q", msg)
	}
	if got := ofType(ft.msgsFor("conn-b"), protocol.TypeUserList); got != nil {
		t.Errorf("rejected registrant must not receive a peer list, got %v", got)
	}

	// A can still be addressed as alice.
	r.HandlePrivateMessage("conn-b", protocol.PrivateMessageMsg{
		To: "alice", Kind: protocol.KindText, Message: "hi",
	})
	// conn-b is unregistered, so the send is refused — but alice's slot was
	// not clobbered: a third connection still cannot take the name.
	r.HandleRegister("conn-c", "alice")
	errMsg = lastOfType(t, ft.msgsFor("conn-c"), protocol.TypeErrorMessage)
	if msg := errMsg["message"].(string); !strings.Contains(msg, "already taken") {
		t.Errorf("unexpected error text: %q", msg)
	}
}

func TestRegister_RenameReleasesOldName(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})

	r.HandleRegister("conn-a", "alice")
	r.HandleRegister("conn-b", "bob")
	r.HandleCreateGroup("conn-a", "team")

	r.HandleRegister("conn-a", "alicia")

	// The rename errors nobody.
	if msgs := ofType(ft.msgsFor("conn-a"), protocol.TypeErrorMessage); msgs != nil {
		t.Fatalf("unexpected error on rename: %v", msgs)
	}

	// Peer lists follow the connection: bob sees only the new name.
	bList := userList(t, lastOfType(t, ft.msgsFor("conn-b"), protocol.TypeUserList))
	if len(bList) != 1 || bList[0] != "alicia" {
		t.Errorf("bob's peer list: expected [alicia], got %v", bList)
	}

	// Memberships under the old name are purged; the emptied group is gone.
	groups := groupList(t, ft.lastBroadcast(t, protocol.TypeGroupList))
	if _, ok := groups["team"]; ok {
		t.Errorf("expected group emptied by rename to be deleted, directory: %v", groups)
	}

	// The old name no longer routes to the renamed connection.
	r.HandlePrivateMessage("conn-b", protocol.PrivateMessageMsg{
		To: "alice", Kind: protocol.KindText, Message: "hi",
	})
	errMsg := lastOfType(t, ft.msgsFor("conn-b"), protocol.TypeErrorMessage)
	if msg := errMsg["message"].(string); !strings.Contains(msg, "'alice' is not online") {
		t.Errorf("unexpected error text: %q", msg)
	}
	if msgs := ofType(ft.msgsFor("conn-a"), protocol.TypeReceivePrivate); msgs != nil {
		t.Errorf("message to the abandoned name must not reach the renamed connection")
	}

	// The released name is claimable by another connection.
	r.HandleRegister("conn-c", "alice")
	if msgs := ofType(ft.msgsFor("conn-c"), protocol.TypeErrorMessage); msgs != nil {
		t.Errorf("expected released name to be claimable, got error %v", msgs)
	}
}

// ---------------------------------------------------------------------------
// disconnect
// ---------------------------------------------------------------------------

func TestDisconnect_FreesNameAndPurgesGroups(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})

	r.HandleRegister("conn-a", "alice")
	r.HandleRegister("conn-b", "bob")
	r.HandleCreateGroup("conn-a", "team")
	r.HandleJoinGroup("conn-b", "team")

	r.HandleDisconnect("conn-a")

	// bob's peer list no longer contains alice.
	bList := userList(t, lastOfType(t, ft.msgsFor("conn-b"), protocol.TypeUserList))
	if len(bList) != 0 {
		t.Errorf("expected empty peer list after alice left, got %v", bList)
	}

	// The directory broadcast shows alice in no group.
	groups := groupList(t, ft.lastBroadcast(t, protocol.TypeGroupList))
	for name, members := range groups {
		for _, m := range members {
			if m == "alice" {
				t.Errorf("alice still a member of %q after disconnect", name)
			}
		}
	}

	// The freed name is registerable again.
	r.HandleRegister("conn-c", "alice")
	if got := ofType(ft.msgsFor("conn-c"), protocol.TypeErrorMessage); got != nil {
		t.Errorf("expected freed name to be reusable, got error %v", got)
	}
}

func TestDisconnect_DeletesEmptyGroups(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})

	r.HandleRegister("conn-a", "alice")
	r.HandleRegister("conn-b", "bob")
	r.HandleCreateGroup("conn-a", "solo")

	r.HandleDisconnect("conn-a")

	groups := groupList(t, ft.lastBroadcast(t, protocol.TypeGroupList))
	if _, ok := groups["solo"]; ok {
		t.Errorf("expected empty group to be deleted, directory: %v", groups)
	}
}

func TestDisconnect_UnregisteredIsNoOp(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})
	r.HandleRegister("conn-a", "alice")

	before := len(ft.msgsFor("conn-a"))
	r.HandleDisconnect("conn-never-registered")
	if after := len(ft.msgsFor("conn-a")); after != before {
		t.Errorf("expected no fan-out for unknown disconnect")
	}
}

// ---------------------------------------------------------------------------
// send_private_message
// ---------------------------------------------------------------------------

func TestPrivateMessage_Delivered(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})
	r.HandleRegister("conn-a", "alice")
	r.HandleRegister("conn-b", "bob")

	r.HandlePrivateMessage("conn-a", protocol.PrivateMessageMsg{
		To: "bob", Kind: protocol.KindText, Message: "hello bob",
	})

	got := lastOfType(t, ft.msgsFor("conn-b"), protocol.TypeReceivePrivate)
	if got["from"] != "alice" || got["message"] != "hello bob" || got["kind"] != protocol.KindText {
		t.Errorf("unexpected payload: %v", got)
	}
	// The sender receives nothing back.
	if msgs := ofType(ft.msgsFor("conn-a"), protocol.TypeReceivePrivate); msgs != nil {
		t.Errorf("sender must not receive its own private message")
	}
}

func TestPrivateMessage_ImageKind(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})
	r.HandleRegister("conn-a", "alice")
	r.HandleRegister("conn-b", "bob")

	r.HandlePrivateMessage("conn-a", protocol.PrivateMessageMsg{
		To: "bob", Kind: protocol.KindImage, Image: "data:image/png;base64,xyz",
	})

	got := lastOfType(t, ft.msgsFor("conn-b"), protocol.TypeReceivePrivate)
	if got["kind"] != protocol.KindImage || got["image"] != "data:image/png;base64,xyz" {
		t.Errorf("unexpected payload: %v", got)
	}
}

func TestPrivateMessage_RecipientOffline(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})
	r.HandleRegister("conn-a", "alice")

	r.HandlePrivateMessage("conn-a", protocol.PrivateMessageMsg{
		To: "ghost", Kind: protocol.KindText, Message: "anyone there?",
	})

	errMsg := lastOfType(t, ft.msgsFor("conn-a"), protocol.TypeErrorMessage)
	if msg := errMsg["message"].(string); !strings.Contains(msg, "'ghost' is not online") {
		t.Errorf("unexpected error text: %q", msg)
	}
}

func TestPrivateMessage_UnsupportedKind(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})
	r.HandleRegister("conn-a", "alice")
	r.HandleRegister("conn-b", "bob")

	r.HandlePrivateMessage("conn-a", protocol.PrivateMessageMsg{
		To: "bob", Kind: "video", Message: "nope",
	})

	errMsg := lastOfType(t, ft.msgsFor("conn-a"), protocol.TypeErrorMessage)
	if errMsg["message"] != "Unsupported message type" {
		t.Errorf("unexpected error text: %q", errMsg["message"])
	}
	if msgs := ofType(ft.msgsFor("conn-b"), protocol.TypeReceivePrivate); msgs != nil {
		t.Errorf("recipient must not receive a message of unsupported kind")
	}
}

func TestPrivateMessage_RequiresRegistration(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})
	r.HandleRegister("conn-b", "bob")

	r.HandlePrivateMessage("conn-anon", protocol.PrivateMessageMsg{
		To: "bob", Kind: protocol.KindText, Message: "hi",
	})

	errMsg := lastOfType(t, ft.msgsFor("conn-anon"), protocol.TypeErrorMessage)
	if msg := errMsg["message"].(string); !strings.Contains(msg, "register a username") {
		t.Errorf("unexpected error text: %q", msg)
	}
}

// ---------------------------------------------------------------------------
// create_group / join_group
// ---------------------------------------------------------------------------

func TestCreateGroup(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})
	r.HandleRegister("conn-a", "alice")

	r.HandleCreateGroup("conn-a", "team")

	groups := groupList(t, ft.lastBroadcast(t, protocol.TypeGroupList))
	members, ok := groups["team"]
	if !ok || len(members) != 1 || members[0] != "alice" {
		t.Errorf("expected team -> [alice], got %v", groups)
	}
}

func TestCreateGroup_Errors(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})
	r.HandleRegister("conn-a", "alice")
	r.HandleCreateGroup("conn-a", "team")

	tests := []struct {
		name    string
		group   string
		wantErr string
	}{
		{"empty name", "", "Group name cannot be empty"},
		{"duplicate", "team", "Group 'team' already exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.HandleCreateGroup("conn-a", tt.group)
			errMsg := lastOfType(t, ft.msgsFor("conn-a"), protocol.TypeErrorMessage)
			if errMsg["message"] != tt.wantErr {
				t.Errorf("expected %q, got %q", tt.wantErr, errMsg["message"])
			}
		})
	}
}

func TestJoinGroup(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})
	r.HandleRegister("conn-a", "alice")
	r.HandleRegister("conn-b", "bob")
	r.HandleCreateGroup("conn-a", "team")

	r.HandleJoinGroup("conn-b", "team")

	// No error to the joiner.
	if msgs := ofType(ft.msgsFor("conn-b"), protocol.TypeErrorMessage); msgs != nil {
		t.Errorf("unexpected error: %v", msgs)
	}

	// All connections see the updated directory.
	groups := groupList(t, ft.lastBroadcast(t, protocol.TypeGroupList))
	members := groups["team"]
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Errorf("expected team -> [alice bob], got %v", groups)
	}

	// Group members receive the join announcement.
	for _, connID := range []string{"conn-a", "conn-b"} {
		notif := lastOfType(t, ft.msgsFor(connID), protocol.TypeGroupNotification)
		if notif["group"] != "team" || notif["message"] != "bob joined the group" {
			t.Errorf("unexpected notification for %s: %v", connID, notif)
		}
	}
}

func TestJoinGroup_DuplicateIsSilent(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})
	r.HandleRegister("conn-a", "alice")
	r.HandleRegister("conn-b", "bob")
	r.HandleCreateGroup("conn-a", "team")
	r.HandleJoinGroup("conn-b", "team")

	notifsBefore := len(ofType(ft.msgsFor("conn-a"), protocol.TypeGroupNotification))

	r.HandleJoinGroup("conn-b", "team")

	// No duplicate entry, no second join notification, no error — but the
	// directory broadcast still goes out.
	groups := groupList(t, ft.lastBroadcast(t, protocol.TypeGroupList))
	if members := groups["team"]; len(members) != 2 {
		t.Errorf("expected no duplicate entry, got %v", members)
	}
	if got := len(ofType(ft.msgsFor("conn-a"), protocol.TypeGroupNotification)); got != notifsBefore {
		t.Errorf("expected no second join notification (before=%d after=%d)", notifsBefore, got)
	}
	if msgs := ofType(ft.msgsFor("conn-b"), protocol.TypeErrorMessage); msgs != nil {
		t.Errorf("duplicate join must not error: %v", msgs)
	}
}

func TestJoinGroup_NotFound(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})
	r.HandleRegister("conn-a", "alice")

	r.HandleJoinGroup("conn-a", "phantom")

	errMsg := lastOfType(t, ft.msgsFor("conn-a"), protocol.TypeErrorMessage)
	if errMsg["message"] != "Group not found" {
		t.Errorf("unexpected error text: %q", errMsg["message"])
	}
}

// ---------------------------------------------------------------------------
// send_group_message
// ---------------------------------------------------------------------------

func TestGroupMessage_ExcludesSender(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})
	r.HandleRegister("conn-a", "alice")
	r.HandleRegister("conn-b", "bob")
	r.HandleRegister("conn-c", "carol")
	r.HandleCreateGroup("conn-a", "team")
	r.HandleJoinGroup("conn-b", "team")
	r.HandleJoinGroup("conn-c", "team")

	r.HandleGroupMessage("conn-b", protocol.GroupMessageMsg{
		Group: "team", Kind: protocol.KindText, Message: "hi team",
	})

	for _, connID := range []string{"conn-a", "conn-c"} {
		got := lastOfType(t, ft.msgsFor(connID), protocol.TypeReceiveGroupMessage)
		if got["group"] != "team" || got["from"] != "bob" || got["message"] != "hi team" {
			t.Errorf("unexpected payload for %s: %v", connID, got)
		}
	}
	if msgs := ofType(ft.msgsFor("conn-b"), protocol.TypeReceiveGroupMessage); msgs != nil {
		t.Errorf("sender must not receive its own group message")
	}
}

func TestGroupMessage_Errors(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})
	r.HandleRegister("conn-a", "alice")
	r.HandleCreateGroup("conn-a", "team")

	r.HandleGroupMessage("conn-a", protocol.GroupMessageMsg{
		Group: "phantom", Kind: protocol.KindText, Message: "hello?",
	})
	errMsg := lastOfType(t, ft.msgsFor("conn-a"), protocol.TypeErrorMessage)
	if errMsg["message"] != "Invalid group" {
		t.Errorf("unexpected error text: %q", errMsg["message"])
	}

	r.HandleGroupMessage("conn-a", protocol.GroupMessageMsg{
		Group: "team", Kind: "audio", Message: "nope",
	})
	errMsg = lastOfType(t, ft.msgsFor("conn-a"), protocol.TypeErrorMessage)
	if errMsg["message"] != "Unsupported message type" {
		t.Errorf("unexpected error text: %q", errMsg["message"])
	}
}

// ---------------------------------------------------------------------------
// ask_ai
// ---------------------------------------------------------------------------

func TestAskAI_Success(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{reply: "42 is the answer"})
	r.HandleRegister("conn-a", "alice")

	r.HandleAskAI("conn-a", "what is the answer?")

	waitFor(t, func() bool {
		return len(ofType(ft.msgsFor("conn-a"), protocol.TypeAIResponse)) > 0
	})

	got := lastOfType(t, ft.msgsFor("conn-a"), protocol.TypeAIResponse)
	if got["from"] != AIDisplayName || got["message"] != "42 is the answer" {
		t.Errorf("unexpected payload: %v", got)
	}
}

func TestAskAI_FailureDegradesToReplyText(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{err: errors.New("ai: rate limited")})
	r.HandleRegister("conn-a", "alice")
	r.HandleRegister("conn-b", "bob")

	r.HandleAskAI("conn-a", "hello")

	waitFor(t, func() bool {
		return len(ofType(ft.msgsFor("conn-a"), protocol.TypeAIResponse)) > 0
	})

	// The failure is surfaced as the reply text itself, to the requester only.
	got := lastOfType(t, ft.msgsFor("conn-a"), protocol.TypeAIResponse)
	msg := got["message"].(string)
	if !strings.HasPrefix(msg, "AI Error:") || !strings.Contains(msg, "rate limited") {
		t.Errorf("unexpected failure text: %q", msg)
	}
	if msgs := ofType(ft.msgsFor("conn-b"), protocol.TypeAIResponse); msgs != nil {
		t.Errorf("only the requester may receive the AI reply")
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

// TestConcurrentRegistration drives many connections racing for overlapping
// names and checks that each name ends up held by at most one connection.
func TestConcurrentRegistration(t *testing.T) {
	r, ft := newTestRouter(fakeGateway{})

	const conns = 50
	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Only 10 distinct names for 50 connections.
			r.HandleRegister(fmt.Sprintf("conn-%02d", i), fmt.Sprintf("user-%d", i%10))
		}(i)
	}
	wg.Wait()

	// Count winners: a winner received a peer list, a loser only an error.
	winners := 0
	for i := 0; i < conns; i++ {
		msgs := ft.msgsFor(fmt.Sprintf("conn-%02d", i))
		if ofType(msgs, protocol.TypeUserList) != nil {
			winners++
		} else if ofType(msgs, protocol.TypeErrorMessage) == nil {
			t.Errorf("conn-%02d got neither a peer list nor an error", i)
		}
	}
	if winners != 10 {
		t.Errorf("expected exactly 10 successful registrations, got %d", winners)
	}
}

// TestConcurrentGroupTraffic races joins, sends, and disconnects to exercise
// the single critical section guarding both registries.
func TestConcurrentGroupTraffic(t *testing.T) {
	r, _ := newTestRouter(fakeGateway{})

	r.HandleRegister("conn-owner", "owner")
	r.HandleCreateGroup("conn-owner", "busy")

	const members = 20
	var wg sync.WaitGroup
	for i := 0; i < members; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("conn-m%02d", i)
			r.HandleRegister(connID, fmt.Sprintf("member-%d", i))
			r.HandleJoinGroup(connID, "busy")
			r.HandleGroupMessage(connID, protocol.GroupMessageMsg{
				Group: "busy", Kind: protocol.KindText, Message: "ping",
			})
			if i%2 == 0 {
				r.HandleDisconnect(connID)
			}
		}(i)
	}
	wg.Wait()

	// State must be internally consistent: every remaining member name is
	// still registered.
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.directory.Members("busy") {
		if name == "owner" {
			continue
		}
		if _, ok := r.registry.Connection(name); !ok {
			t.Errorf("member %q in group but not registered", name)
		}
	}
}
