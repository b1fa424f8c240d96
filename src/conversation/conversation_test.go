package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/9qeklajc/nmcpparrot/src/keypair"
	"github.com/9qeklajc/nmcpparrot/src/relay"
	"github.com/9qeklajc/nmcpparrot/src/relay/relaytest"
)

func newEngine(t *testing.T, url string) (*Engine, *keypair.Keys) {
	t.Helper()
	keys, err := keypair.New()
	require.Nil(t, err)
	pool, err := relay.Connect(context.Background(), url)
	require.Nil(t, err)
	t.Cleanup(pool.Close)
	return New(keys, pool), keys
}

func TestSendReceiveNext(t *testing.T) {
	stub := relaytest.New()
	defer stub.Close()

	sender, senderKeys := newEngine(t, stub.URL())
	receiver, _ := newEngine(t, stub.URL())
	eaves, _ := newEngine(t, stub.URL())

	ctx := context.Background()
	type result struct {
		msg Message
		err error
	}
	got := make(chan result, 1)
	eavesGot := make(chan result, 1)
	go func() {
		m, err := receiver.ReceiveNext(ctx, senderKeys.PublicHex(), 5*time.Second)
		got <- result{m, err}
	}()
	go func() {
		// same sender filter, different own key: must see nothing
		m, err := eaves.ReceiveNext(ctx, senderKeys.PublicHex(), 2*time.Second)
		eavesGot <- result{m, err}
	}()

	// give the live subscriptions a moment to land
	time.Sleep(200 * time.Millisecond)
	require.Nil(t, sender.Send(ctx, receiver.PublicHex(), "hello"))

	r := <-got
	require.Nil(t, r.err)
	assert.Equal(t, "hello", r.msg.Content)
	assert.Equal(t, senderKeys.PublicHex(), r.msg.Sender)

	er := <-eavesGot
	assert.ErrorIs(t, er.err, ErrTimedOut)
}

func TestReceiveNextTimeout(t *testing.T) {
	stub := relaytest.New()
	defer stub.Close()

	receiver, _ := newEngine(t, stub.URL())
	start := time.Now()
	_, err := receiver.ReceiveNext(context.Background(), "", 300*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestReceiveNextCancel(t *testing.T) {
	stub := relaytest.New()
	defer stub.Close()

	receiver, _ := newEngine(t, stub.URL())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := receiver.ReceiveNext(ctx, "", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReceiveNextSenderFilter(t *testing.T) {
	stub := relaytest.New()
	defer stub.Close()

	wanted, wantedKeys := newEngine(t, stub.URL())
	noise, _ := newEngine(t, stub.URL())
	receiver, _ := newEngine(t, stub.URL())

	ctx := context.Background()
	done := make(chan Message, 1)
	go func() {
		m, err := receiver.ReceiveNext(ctx, wantedKeys.PublicHex(), 5*time.Second)
		if err == nil {
			done <- m
		}
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	require.Nil(t, noise.Send(ctx, receiver.PublicHex(), "wrong sender"))
	require.Nil(t, wanted.Send(ctx, receiver.PublicHex(), "right sender"))

	m, ok := <-done
	require.True(t, ok)
	assert.Equal(t, "right sender", m.Content)
}

func TestReceiveStream(t *testing.T) {
	stub := relaytest.New()
	defer stub.Close()

	sender, _ := newEngine(t, stub.URL())
	receiver, _ := newEngine(t, stub.URL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- receiver.ReceiveStream(ctx, "", func(m Message) {
			mu.Lock()
			seen = append(seen, m.Content)
			mu.Unlock()
			// a panicking handler must not end the stream
			if m.Content == "boom" {
				panic("handler exploded")
			}
		})
	}()

	time.Sleep(200 * time.Millisecond)
	require.Nil(t, sender.Send(ctx, receiver.PublicHex(), "boom"))
	require.Nil(t, sender.Send(ctx, receiver.PublicHex(), "still alive"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 10*time.Second, 100*time.Millisecond)

	mu.Lock()
	assert.ElementsMatch(t, []string{"boom", "still alive"}, seen)
	mu.Unlock()

	cancel()
	select {
	case err := <-streamDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
}

func TestHistorySelfAddressed(t *testing.T) {
	stub := relaytest.New()
	defer stub.Close()

	self, _ := newEngine(t, stub.URL())
	other, _ := newEngine(t, stub.URL())

	ctx := context.Background()
	require.Nil(t, self.Send(ctx, self.PublicHex(), "note to self 1"))
	require.Nil(t, self.Send(ctx, self.PublicHex(), "note to self 2"))
	// a message from someone else is not part of the self feed
	require.Nil(t, other.Send(ctx, self.PublicHex(), "from elsewhere"))

	msgs, err := self.History(ctx, time.Time{})
	require.Nil(t, err)
	require.Len(t, msgs, 2)
	contents := []string{msgs[0].Content, msgs[1].Content}
	assert.ElementsMatch(t, []string{"note to self 1", "note to self 2"}, contents)
}
