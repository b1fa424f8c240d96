package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"

	"github.com/9qeklajc/nmcpparrot/src/logging"
)

// Connection state machine. Transitions are guarded by Conn.mu together
// with the dedup set and the since watermark.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

const (
	publishTimeout = 10 * time.Second
	dialTimeout    = 10 * time.Second
	backoffBase    = time.Second
	backoffCap     = 30 * time.Second
	seenCapacity   = 16384
)

// Envelope timestamps are randomized up to two days into the past, so a
// resumed subscription must reach that far behind the watermark or fresh
// envelopes published after an outage get filtered server-side. The seen
// set absorbs the replays this causes.
const resumeSlack nostr.Timestamp = 2 * 24 * 60 * 60

var (
	ErrPublishTimeout      = errors.New("relay did not acknowledge publish in time")
	ErrPublishRejected     = errors.New("relay rejected the event")
	ErrConnClosed          = errors.New("relay connection closed")
	ErrReconnecting        = errors.New("relay connection is reconnecting")
	ErrSubscriptionDropped = errors.New("subscription dropped")
)

// Conn is one persistent connection to a relay. It owns its reconnect
// state machine, a bounded set of recently seen event ids, and the since
// watermark used to resume the live subscription after an outage.
type Conn struct {
	URL string

	mu      sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex
	state   State
	seen    *seenSet
	since   nostr.Timestamp
	acks    map[string]chan bool
	subs    map[string]*subscription
	nextSub int
	done    chan struct{}
}

type subscription struct {
	id     string
	filter nostr.Filter
	events chan nostr.Event
	eose   chan struct{}
	// live subscriptions survive reconnects, resumed from the watermark;
	// one-shot queries are torn down instead
	live     bool
	eoseOnce sync.Once
}

// Dial connects to a relay and starts the read loop.
func Dial(ctx context.Context, url string) (c *Conn, err error) {
	c = &Conn{
		URL:   url,
		state: StateConnecting,
		seen:  newSeenSet(seenCapacity),
		acks:  make(map[string]chan bool),
		subs:  make(map[string]*subscription),
		done:  make(chan struct{}),
	}
	if err = c.dial(ctx); err != nil {
		err = errors.Wrapf(err, "could not connect to %s", url)
		return nil, err
	}
	go c.readLoop()
	return
}

func (c *Conn) dial(ctx context.Context) (err error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.URL, nil)
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.state == StateClosed {
		// Close won the race while we were dialing; do not resurrect
		c.mu.Unlock()
		ws.Close()
		return ErrConnClosed
	}
	c.ws = ws
	c.state = StateOpen
	c.mu.Unlock()
	logging.Log.Debugf("connected to %s", c.URL)
	return
}

// Publish sends an event and waits for the relay's acknowledgment, the
// context, or the publish timeout, whichever comes first.
func (c *Conn) Publish(ctx context.Context, ev *nostr.Event) (err error) {
	ack := make(chan bool, 1)
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.state == StateReconnecting {
		// failing fast here lets the pool's retry loop move on instead of
		// burning the full ack timeout on a dead socket
		c.mu.Unlock()
		return ErrReconnecting
	}
	c.acks[ev.ID] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, ev.ID)
		c.mu.Unlock()
	}()

	if err = c.writeFrame("EVENT", ev); err != nil {
		return errors.Wrap(err, "publish write failed")
	}

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case accepted := <-ack:
		if !accepted {
			err = ErrPublishRejected
		}
	case <-timer.C:
		err = ErrPublishTimeout
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.done:
		err = ErrConnClosed
	}
	return
}

// Subscribe opens a long-lived subscription. Events are deduplicated
// against the recently-seen set before delivery, and the subscription is
// resumed automatically after a reconnect. It lives until ctx is
// cancelled or the connection is closed.
func (c *Conn) Subscribe(ctx context.Context, filter nostr.Filter) (events <-chan nostr.Event, err error) {
	sub := c.newSubscription(filter, true)
	if err = c.writeFrame("REQ", sub.id, sub.filter); err != nil {
		c.removeSubscription(sub)
		return nil, errors.Wrap(err, "subscribe failed")
	}
	go func() {
		select {
		case <-ctx.Done():
			c.writeFrame("CLOSE", sub.id)
			c.mu.Lock()
			if _, still := c.subs[sub.id]; still {
				delete(c.subs, sub.id)
				close(sub.events)
			}
			c.mu.Unlock()
		case <-c.done:
		}
	}()
	return sub.events, nil
}

// Query runs a one-shot subscription and collects everything stored on
// the relay up to EOSE.
func (c *Conn) Query(ctx context.Context, filter nostr.Filter) (events []nostr.Event, err error) {
	sub := c.newSubscription(filter, false)
	defer c.removeSubscription(sub)
	if err = c.writeFrame("REQ", sub.id, sub.filter); err != nil {
		return nil, errors.Wrap(err, "query failed")
	}
	defer c.writeFrame("CLOSE", sub.id)

	for {
		select {
		case ev, ok := <-sub.events:
			if !ok {
				return events, ErrSubscriptionDropped
			}
			events = append(events, ev)
		case <-sub.eose:
			// drain anything the read loop delivered before the EOSE
			for {
				select {
				case ev, ok := <-sub.events:
					if !ok {
						return events, nil
					}
					events = append(events, ev)
				default:
					return events, nil
				}
			}
		case <-ctx.Done():
			return events, ctx.Err()
		case <-c.done:
			return events, ErrConnClosed
		}
	}
}

// Close tears the connection down for good.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	ws := c.ws
	for _, sub := range c.subs {
		close(sub.events)
	}
	c.subs = make(map[string]*subscription)
	close(c.done)
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

// State reports the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) newSubscription(filter nostr.Filter, live bool) (sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	sub = &subscription{
		id:     fmt.Sprintf("sub-%d", c.nextSub),
		filter: filter,
		events: make(chan nostr.Event, 256),
		eose:   make(chan struct{}),
		live:   live,
	}
	c.subs[sub.id] = sub
	return
}

func (c *Conn) removeSubscription(sub *subscription) {
	c.mu.Lock()
	delete(c.subs, sub.id)
	c.mu.Unlock()
}

// writeFrame sends one JSON array frame, e.g. ["EVENT", {...}].
func (c *Conn) writeFrame(parts ...interface{}) (err error) {
	frame, err := json.Marshal(parts)
	if err != nil {
		return
	}
	c.mu.Lock()
	ws := c.ws
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed || ws == nil {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// readLoop consumes frames until the connection dies, then runs the
// reconnect machinery. It exits only when the connection is closed for
// good.
func (c *Conn) readLoop() {
	for {
		c.mu.Lock()
		ws := c.ws
		closed := c.state == StateClosed
		c.mu.Unlock()
		if closed {
			return
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.State() == StateClosed {
				return
			}
			logging.Log.Debugf("%s read error: %s", c.URL, err)
			if !c.reconnect() {
				return
			}
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Conn) handleFrame(data []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) == 0 {
		logging.Log.Debugf("%s sent an unparseable frame", c.URL)
		return
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(parts) < 3 {
			return
		}
		var subID string
		var ev nostr.Event
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			return
		}
		if err := json.Unmarshal(parts[2], &ev); err != nil {
			logging.Log.Debugf("%s sent a malformed event", c.URL)
			return
		}
		c.dispatchEvent(subID, ev)
	case "OK":
		if len(parts) < 3 {
			return
		}
		var id string
		var accepted bool
		json.Unmarshal(parts[1], &id)
		json.Unmarshal(parts[2], &accepted)
		c.mu.Lock()
		ack, found := c.acks[id]
		c.mu.Unlock()
		if found {
			select {
			case ack <- accepted:
			default:
			}
		}
	case "EOSE":
		if len(parts) < 2 {
			return
		}
		var subID string
		json.Unmarshal(parts[1], &subID)
		c.mu.Lock()
		sub, found := c.subs[subID]
		c.mu.Unlock()
		if found {
			sub.eoseOnce.Do(func() { close(sub.eose) })
		}
	case "CLOSED":
		if len(parts) < 2 {
			return
		}
		var subID string
		json.Unmarshal(parts[1], &subID)
		c.mu.Lock()
		sub, found := c.subs[subID]
		if found && !sub.live {
			delete(c.subs, subID)
		}
		c.mu.Unlock()
		if found {
			if sub.live {
				// the relay dropped our live feed; ask again from the watermark
				logging.Log.Warnf("%s closed live subscription, resubscribing", c.URL)
				c.resubscribe(sub)
			} else {
				close(sub.events)
			}
		}
	case "NOTICE":
		if len(parts) >= 2 {
			var msg string
			json.Unmarshal(parts[1], &msg)
			logging.Log.Infof("notice from %s: %s", c.URL, msg)
		}
	}
}

func (c *Conn) dispatchEvent(subID string, ev nostr.Event) {
	c.mu.Lock()
	sub, found := c.subs[subID]
	if !found {
		c.mu.Unlock()
		return
	}
	if sub.live {
		// the watermark and dedup set only track the live feed
		if c.seen.has(ev.ID) {
			c.mu.Unlock()
			return
		}
		c.seen.add(ev.ID)
		if ev.CreatedAt > c.since {
			c.since = ev.CreatedAt
		}
	}
	// non-blocking send under the lock so Close cannot pull the channel
	// out from under us
	select {
	case sub.events <- ev:
	default:
		logging.Log.Warnf("%s subscription buffer full, dropping event %s", c.URL, ev.ID)
	}
	c.mu.Unlock()
}

// reconnect redials with exponential backoff and resumes live
// subscriptions. Returns false if the connection was closed while
// waiting.
func (c *Conn) reconnect() bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = StateReconnecting
	if c.ws != nil {
		c.ws.Close()
	}
	// one-shot queries cannot resume; fail them now
	for id, sub := range c.subs {
		if !sub.live {
			close(sub.events)
			delete(c.subs, id)
		}
	}
	c.mu.Unlock()

	backoff := backoffBase
	for {
		select {
		case <-c.done:
			return false
		case <-time.After(jitter(backoff)):
		}

		if err := c.dial(context.Background()); err == nil {
			break
		} else {
			logging.Log.Debugf("reconnect to %s failed: %s", c.URL, err)
		}
		if backoff *= 2; backoff > backoffCap {
			backoff = backoffCap
		}
	}

	logging.Log.Infof("reconnected to %s", c.URL)
	c.mu.Lock()
	live := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.live {
			live = append(live, sub)
		}
	}
	c.mu.Unlock()
	for _, sub := range live {
		c.resubscribe(sub)
	}
	return true
}

// resubscribe re-issues a live REQ resuming from the since watermark
// backed off by the full timestamp jitter, so an envelope published
// after the outage with a backdated created_at still clears the
// server-side filter. Delivery is at-most-once, not exactly-once;
// replays within the slack window get eaten by the seen set.
func (c *Conn) resubscribe(sub *subscription) {
	c.mu.Lock()
	since := c.since
	c.mu.Unlock()
	filter := sub.filter
	if since > 0 {
		// switch a live-only subscription to replay-from-watermark so the
		// outage gap gets backfilled as far as the relay still has it
		resume := since - resumeSlack
		if resume < 0 {
			resume = 0
		}
		filter.Since = &resume
		filter.LimitZero = false
	}
	if err := c.writeFrame("REQ", sub.id, filter); err != nil {
		logging.Log.Warnf("resubscribe to %s failed: %s", c.URL, err)
	}
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

// seenSet is a bounded set of event ids with FIFO eviction.
type seenSet struct {
	capacity int
	order    []string
	ids      map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		capacity: capacity,
		ids:      make(map[string]struct{}, capacity),
	}
}

func (s *seenSet) has(id string) bool {
	_, found := s.ids[id]
	return found
}

func (s *seenSet) add(id string) {
	if _, found := s.ids[id]; found {
		return
	}
	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.order = append(s.order, id)
	s.ids[id] = struct{}{}
}
