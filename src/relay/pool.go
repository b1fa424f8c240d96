package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"

	"github.com/9qeklajc/nmcpparrot/src/logging"
)

const publishAttempts = 3

var ErrNoRelays = errors.New("no relay connections available")

// Pool fans a single logical feed out over every configured relay. A
// publish succeeds when at least one relay acknowledges it; subscriptions
// are merged with a pool-level dedup so multi-relay fanout does not
// deliver the same envelope twice.
type Pool struct {
	conns []*Conn

	mu   sync.Mutex
	seen *seenSet
}

// Connect dials every URL. It fails only if no relay at all could be
// reached; partial connectivity is normal operation.
func Connect(ctx context.Context, urls ...string) (p *Pool, err error) {
	p = &Pool{seen: newSeenSet(seenCapacity)}
	for _, url := range urls {
		c, err2 := Dial(ctx, url)
		if err2 != nil {
			logging.Log.Warnf("skipping relay: %s", err2)
			continue
		}
		p.conns = append(p.conns, c)
	}
	if len(p.conns) == 0 {
		err = ErrNoRelays
		return nil, err
	}
	return
}

// Publish sends the event to every relay and retries the whole round
// with backoff until one acknowledges or the attempts run out.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) (err error) {
	backoff := backoffBase
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(jitter(backoff)):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff *= 2; backoff > backoffCap {
				backoff = backoffCap
			}
		}

		accepted := 0
		for _, c := range p.conns {
			if err = c.Publish(ctx, ev); err == nil {
				accepted++
			} else {
				logging.Log.Debugf("publish to %s failed: %s", c.URL, err)
			}
		}
		if accepted > 0 {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errors.Wrapf(err, "no relay accepted event after %d attempts", publishAttempts)
}

// Subscribe opens the live subscription on every relay and merges the
// streams into one channel, deduplicated by event id.
func (p *Pool) Subscribe(ctx context.Context, filter nostr.Filter) (events <-chan nostr.Event, err error) {
	merged := make(chan nostr.Event, 64)
	opened := 0
	var wg sync.WaitGroup
	for _, c := range p.conns {
		ch, err2 := c.Subscribe(ctx, filter)
		if err2 != nil {
			logging.Log.Warnf("subscribe on %s failed: %s", c.URL, err2)
			continue
		}
		opened++
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					if p.firstSight(ev.ID) {
						select {
						case merged <- ev:
						case <-ctx.Done():
							return
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	if opened == 0 {
		return nil, ErrNoRelays
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged, nil
}

// Query collects stored history from every relay up to EOSE, dedups the
// union and returns it in chronological order.
func (p *Pool) Query(ctx context.Context, filter nostr.Filter) (events []nostr.Event, err error) {
	byID := make(map[string]nostr.Event)
	succeeded := 0
	for _, c := range p.conns {
		got, err2 := c.Query(ctx, filter)
		if err2 != nil {
			logging.Log.Debugf("query on %s failed: %s", c.URL, err2)
			continue
		}
		succeeded++
		for _, ev := range got {
			byID[ev.ID] = ev
		}
	}
	if succeeded == 0 {
		return nil, ErrNoRelays
	}
	events = make([]nostr.Event, 0, len(byID))
	for _, ev := range byID {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt < events[j].CreatedAt })
	return
}

// Close tears down every connection.
func (p *Pool) Close() {
	for _, c := range p.conns {
		c.Close()
	}
}

func (p *Pool) firstSight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen.has(id) {
		return false
	}
	p.seen.add(id)
	return true
}
