// loadgen is a WebSocket load generator for the chat hub. It connects N
// simulated users, registers a display name for each, puts them all in one
// group, and drives group traffic at a fixed per-user rate while counting
// what comes back.
//
// Usage:
//
//	loadgen -addr ws://localhost:8080/ws -users 50 -duration 30s -rate 1
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	addr     = flag.String("addr", "ws://localhost:8080/ws", "hub WebSocket URL")
	users    = flag.Int("users", 10, "number of simulated users")
	duration = flag.Duration("duration", 30*time.Second, "how long to send traffic")
	rate     = flag.Float64("rate", 1.0, "group messages per second per user")
	group    = flag.String("group", "loadtest", "group name all users join")
)

// counters aggregates results across all simulated users.
type counters struct {
	sent     atomic.Int64
	received atomic.Int64
	errors   atomic.Int64
}

// client is one simulated user connection.
type client struct {
	conn net.Conn
	name string
	mu   sync.Mutex
	c    *counters
}

// send marshals and writes one client message.
func (cl *client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return wsutil.WriteClientMessage(cl.conn, ws.OpText, data)
}

// readLoop consumes server messages until the connection closes, counting
// group messages and error_message events.
func (cl *client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(cl.conn)
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case "receive_group_message", "receive_private_message":
			cl.c.received.Add(1)
		case "error_message":
			cl.c.errors.Add(1)
		}
	}
}

// runUser connects, registers, joins the shared group, and sends group
// messages at the configured rate until the deadline.
func runUser(ctx context.Context, i int, c *counters, createGroup bool) error {
	conn, _, _, err := ws.Dial(ctx, *addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	cl := &client{conn: conn, name: fmt.Sprintf("loaduser-%03d", i), c: c}
	go cl.readLoop()

	if err := cl.send(map[string]string{"type": "register_user", "username": cl.name}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	// The first user creates the group; everyone else joins it. A small
	// stagger gives the create time to land before the joins arrive.
	if createGroup {
		if err := cl.send(map[string]string{"type": "create_group", "group": *group}); err != nil {
			return fmt.Errorf("create_group: %w", err)
		}
	} else {
		time.Sleep(200 * time.Millisecond)
		if err := cl.send(map[string]string{"type": "join_group", "group": *group}); err != nil {
			return fmt.Errorf("join_group: %w", err)
		}
	}

	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			seq++
			msg := map[string]string{
				"type":    "send_group_message",
				"group":   *group,
				"kind":    "text",
				"message": fmt.Sprintf("%s message %d", cl.name, seq),
			}
			if err := cl.send(msg); err != nil {
				c.errors.Add(1)
				return nil
			}
			c.sent.Add(1)
		}
	}
}

func main() {
	flag.Parse()

	log.Printf("loadgen: %d users -> %s for %s at %.1f msg/s/user", *users, *addr, *duration, *rate)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var c counters
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := runUser(ctx, i, &c, i == 0); err != nil {
				log.Printf("loadgen: user %d: %v", i, err)
				c.errors.Add(1)
			}
		}(i)
		// Ramp up gradually to avoid an accept stampede.
		time.Sleep(10 * time.Millisecond)
	}

	wg.Wait()
	elapsed := time.Since(start)

	sent := c.sent.Load()
	received := c.received.Load()
	log.Printf("loadgen: done in %s", elapsed.Round(time.Millisecond))
	log.Printf("  sent:     %d (%.1f msg/s)", sent, float64(sent)/elapsed.Seconds())
	log.Printf("  received: %d", received)
	log.Printf("  errors:   %d", c.errors.Load())
	if sent > 0 && *users > 1 {
		// Each group message should reach every other member.
		expected := sent * int64(*users-1)
		log.Printf("  delivery: %.1f%% of expected fan-out", 100*float64(received)/float64(expected))
	}
}
