package conversation

import (
	"context"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"

	"github.com/9qeklajc/nmcpparrot/src/envelope"
	"github.com/9qeklajc/nmcpparrot/src/keypair"
	"github.com/9qeklajc/nmcpparrot/src/logging"
	"github.com/9qeklajc/nmcpparrot/src/relay"
)

var ErrTimedOut = errors.New("timed out waiting for a message")

// reorderWindow is how long an arriving message may be held back so a
// slightly older one from another relay can slot in before it. Relay
// replay and fanout make strict ordering impossible; this is a small
// reconciliation, not a guarantee.
const reorderWindow = 2 * time.Second

// Message is one decrypted direct message.
type Message struct {
	ID      string
	Sender  string
	Content string
	SentAt  time.Time
}

// Engine turns the envelope codec plus the relay pool into plain
// send/receive operations for one identity.
type Engine struct {
	keys *keypair.Keys
	pool *relay.Pool
}

func New(keys *keypair.Keys, pool *relay.Pool) *Engine {
	return &Engine{keys: keys, pool: pool}
}

// PublicHex returns the engine identity's public key.
func (e *Engine) PublicHex() string {
	return e.keys.PublicHex()
}

// Send wraps text for the target and publishes the envelope. The error,
// if any, is what remains after the pool's internal retries.
func (e *Engine) Send(ctx context.Context, targetPublic, text string) (err error) {
	r := envelope.NewRumor(e.keys.PublicHex(), targetPublic, text)
	wrapped, err := envelope.Wrap(e.keys, targetPublic, r)
	if err != nil {
		return errors.Wrap(err, "could not build envelope")
	}
	logging.Log.Debugf("sending envelope %s", wrapped.ID)
	return e.pool.Publish(ctx, wrapped)
}

// ReceiveNext blocks until one decoded message from expectedSender (any
// sender if empty) arrives, the timeout elapses, or ctx is cancelled.
func (e *Engine) ReceiveNext(ctx context.Context, expectedSender string, timeout time.Duration) (msg Message, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := e.subscribeInbox(ctx)
	if err != nil {
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				err = relay.ErrSubscriptionDropped
				return
			}
			m, decoded := e.decode(&ev, expectedSender)
			if decoded {
				return m, nil
			}
		case <-timer.C:
			err = ErrTimedOut
			return
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
	}
}

// ReceiveStream runs until ctx is cancelled, handing every decoded and
// sender-matched message to the handler. Handler panics are contained so
// one bad message cannot kill the stream. Messages are released in
// timestamp order within a small reorder window.
func (e *Engine) ReceiveStream(ctx context.Context, expectedSender string, handler func(Message)) (err error) {
	events, err := e.subscribeInbox(ctx)
	if err != nil {
		return
	}

	var pending []Message
	flush := time.NewTicker(reorderWindow / 4)
	defer flush.Stop()

	deliver := func(all bool) {
		sort.Slice(pending, func(i, j int) bool { return pending[i].SentAt.Before(pending[j].SentAt) })
		cutoff := time.Now().Add(-reorderWindow)
		n := 0
		for _, m := range pending {
			if !all && m.SentAt.After(cutoff) {
				break
			}
			e.invoke(handler, m)
			n++
		}
		pending = pending[n:]
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				deliver(true)
				return relay.ErrSubscriptionDropped
			}
			m, decoded := e.decode(&ev, expectedSender)
			if decoded {
				pending = append(pending, m)
			}
		case <-flush.C:
			deliver(false)
		case <-ctx.Done():
			deliver(true)
			return ctx.Err()
		}
	}
}

// History backfills the self-addressed feed: everything this identity
// ever sent to itself, decoded and in chronological order. Used by the
// memory layer to rebuild state from the relay history alone.
func (e *Engine) History(ctx context.Context, since time.Time) (msgs []Message, err error) {
	filter := e.inboxFilter()
	if !since.IsZero() {
		ts := nostr.Timestamp(since.Unix())
		filter.Since = &ts
	}
	events, err := e.pool.Query(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "backfill failed")
	}
	for i := range events {
		m, decoded := e.decode(&events[i], e.keys.PublicHex())
		if decoded {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })
	return
}

// decode opens an envelope and applies the sender filter. Failures are
// expected on a shared feed and only logged at debug level; a foreign or
// corrupt envelope must never surface as a stream error.
func (e *Engine) decode(ev *nostr.Event, expectedSender string) (m Message, decoded bool) {
	r, sender, err := envelope.Unwrap(ev, e.keys)
	if err != nil {
		logging.Log.Debugf("skipping envelope %s: %s", ev.ID, err)
		return
	}
	if r.Kind != envelope.KindChat {
		logging.Log.Debugf("skipping rumor of kind %d", r.Kind)
		return
	}
	if expectedSender != "" && sender != expectedSender {
		logging.Log.Debugf("ignoring message from %s (expected %s)", sender, expectedSender)
		return
	}
	m = Message{
		ID:      r.ID,
		Sender:  sender,
		Content: r.Content,
		SentAt:  r.CreatedAt.Time(),
	}
	decoded = true
	return
}

func (e *Engine) invoke(handler func(Message), m Message) {
	defer func() {
		if r := recover(); r != nil {
			logging.Log.Errorf("message handler panicked: %v", r)
		}
	}()
	handler(m)
}

// subscribeInbox opens a live-only feed (limit 0) of envelopes addressed
// to us. Stored history is the backfill path's job, not the stream's.
func (e *Engine) subscribeInbox(ctx context.Context) (<-chan nostr.Event, error) {
	filter := e.inboxFilter()
	filter.LimitZero = true
	return e.pool.Subscribe(ctx, filter)
}

func (e *Engine) inboxFilter() nostr.Filter {
	return nostr.Filter{
		Kinds: []int{envelope.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{e.keys.PublicHex()}},
	}
}
