// Package relaytest runs a minimal in-process relay speaking the real
// JSON-array wire protocol, so transport and engine tests exercise the
// same frames a production relay would send.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// Relay stores every accepted event in memory and replays matching
// history followed by EOSE for each REQ, then feeds live matches.
type Relay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	events  []nostr.Event
	byID    map[string]nostr.Event
	clients map[*client]struct{}

	// RejectAll makes the relay answer every publish with OK=false.
	RejectAll bool
}

type client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subsMu  sync.Mutex
	subs    map[string]nostr.Filter
}

func (c *client) setSub(id string, f nostr.Filter) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs[id] = f
}

func (c *client) dropSub(id string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.subs, id)
}

func (c *client) snapshotSubs() map[string]nostr.Filter {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make(map[string]nostr.Filter, len(c.subs))
	for id, f := range c.subs {
		out[id] = f
	}
	return out
}

func New() (r *Relay) {
	r = &Relay{
		byID:    make(map[string]nostr.Event),
		clients: make(map[*client]struct{}),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handle))
	return
}

// URL returns the ws:// address of the relay.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *Relay) Close() {
	r.mu.Lock()
	for c := range r.clients {
		c.ws.Close()
	}
	r.clients = make(map[*client]struct{})
	r.mu.Unlock()
	r.srv.Close()
}

// DropConnections closes every client socket without stopping the
// server, simulating a network blip.
func (r *Relay) DropConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		c.ws.Close()
	}
}

// Resend rebroadcasts an already stored event to all live subscriptions,
// as a relay replaying history after a reconnect would.
func (r *Relay) Resend(id string) {
	r.mu.Lock()
	ev, found := r.byID[id]
	r.mu.Unlock()
	if found {
		r.broadcast(ev)
	}
}

// Stored returns a copy of everything the relay has accepted.
func (r *Relay) Stored() []nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]nostr.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Relay) handle(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &client{ws: ws, subs: make(map[string]nostr.Filter)}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var parts []json.RawMessage
		if json.Unmarshal(data, &parts) != nil || len(parts) == 0 {
			continue
		}
		var label string
		if json.Unmarshal(parts[0], &label) != nil {
			continue
		}

		switch label {
		case "EVENT":
			if len(parts) < 2 {
				continue
			}
			var ev nostr.Event
			if json.Unmarshal(parts[1], &ev) != nil {
				continue
			}
			r.mu.Lock()
			reject := r.RejectAll
			if !reject {
				if _, dup := r.byID[ev.ID]; !dup {
					r.byID[ev.ID] = ev
					r.events = append(r.events, ev)
				}
			}
			r.mu.Unlock()
			c.send("OK", ev.ID, !reject, "")
			if !reject {
				r.broadcast(ev)
			}
		case "REQ":
			if len(parts) < 3 {
				continue
			}
			var subID string
			var filter nostr.Filter
			if json.Unmarshal(parts[1], &subID) != nil {
				continue
			}
			if json.Unmarshal(parts[2], &filter) != nil {
				continue
			}
			// "limit":0 asks for the live feed with no stored replay
			var rawLimit struct {
				Limit *int `json:"limit"`
			}
			json.Unmarshal(parts[2], &rawLimit)
			liveOnly := rawLimit.Limit != nil && *rawLimit.Limit == 0
			if !liveOnly {
				r.mu.Lock()
				stored := make([]nostr.Event, len(r.events))
				copy(stored, r.events)
				r.mu.Unlock()
				for i := range stored {
					if filter.Matches(&stored[i]) {
						c.send("EVENT", subID, stored[i])
					}
				}
			}
			c.send("EOSE", subID)
			c.setSub(subID, filter)
		case "CLOSE":
			if len(parts) < 2 {
				continue
			}
			var subID string
			if json.Unmarshal(parts[1], &subID) == nil {
				c.dropSub(subID)
			}
		}
	}
}

func (r *Relay) broadcast(ev nostr.Event) {
	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()
	for _, c := range targets {
		for subID, filter := range c.snapshotSubs() {
			if filter.Matches(&ev) {
				c.send("EVENT", subID, ev)
			}
		}
	}
}

func (c *client) send(parts ...interface{}) {
	frame, err := json.Marshal(parts)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.WriteMessage(websocket.TextMessage, frame)
}
