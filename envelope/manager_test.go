package envelope

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/slick-nse/clock"
	"github.com/meow-io/slick-nse/config"
	"github.com/meow-io/slick-nse/ids"
	"github.com/meow-io/slick-nse/internal/test"
	"github.com/meow-io/slick-nse/keycache"
	"github.com/meow-io/slick-nse/ratchet"
	"github.com/meow-io/slick-nse/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type recorder struct {
	lock       sync.Mutex
	deliveries []*Delivery
	fail       error
}

func (r *recorder) Handle(_ context.Context, d *Delivery) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.deliveries = append(r.deliveries, d)
	return nil
}

func (r *recorder) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.deliveries)
}

type peer struct {
	manager  *Manager
	sessions *session.Manager
	clock    *clock.ManualClock
	chat     *recorder
	group    *recorder
}

func newPeer(t *testing.T, opts ...config.Option) *peer {
	t.Helper()
	require := require.New(t)
	c := test.Config(opts...)
	d := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = d.Shutdown() })
	cl := clock.NewManualClock(time.UnixMilli(1_700_000_000_000))
	keys, err := keycache.NewStore(c, d, cl)
	require.Nil(err)
	sessions, err := session.NewManager(c, d, cl, ratchet.NewEngine(), keys)
	require.Nil(err)

	p := &peer{sessions: sessions, clock: cl, chat: &recorder{}, group: &recorder{}}
	registry := NewRegistry()
	require.Nil(registry.Register(PayloadChatMessage, p.chat))
	require.Nil(registry.Register(PayloadGroupUpdate, p.group))
	p.manager, err = NewManager(c, d, cl, sessions, registry, prometheus.NewRegistry())
	require.Nil(err)
	return p
}

func pairedPeers(t *testing.T, opts ...config.Option) (*peer, *peer, ids.ID) {
	t.Helper()
	require := require.New(t)
	ctx := context.Background()
	alice := newPeer(t, opts...)
	bob := newPeer(t, opts...)
	id := ids.NewID()
	secret := bytes.Repeat([]byte{5}, 32)
	pair, err := ratchet.GenerateKeyPair()
	require.Nil(err)
	require.Nil(alice.sessions.CreateInitiator(ctx, id, secret, pair.PublicKey()))
	require.Nil(bob.sessions.CreateResponder(ctx, id, secret, pair))
	return alice, bob, id
}

func seal(t *testing.T, p *peer, id ids.ID, envID string, pt PayloadType, body string) *Envelope {
	t.Helper()
	env, err := p.manager.Seal(context.Background(), id, envID, pt, []byte(body))
	require.Nil(t, err)
	return env
}

func TestRedeliveryDeliversOnce(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	alice, bob, id := pairedPeers(t)

	raw, err := Encode(seal(t, alice, id, "env-1", PayloadChatMessage, "hello"))
	require.Nil(err)

	res, err := bob.manager.ProcessRaw(ctx, raw)
	require.Nil(err)
	require.False(res.Duplicate)
	require.Equal("env-1", res.EnvelopeID)
	require.Equal(id, res.ConversationID)

	res, err = bob.manager.ProcessRaw(ctx, raw)
	require.Nil(err)
	require.True(res.Duplicate)

	require.Equal(1, bob.chat.count())
	require.Equal("hello", string(bob.chat.deliveries[0].Data))
	require.Equal(PayloadChatMessage, bob.chat.deliveries[0].Type)

	r, err := bob.manager.State(ctx, "env-1")
	require.Nil(err)
	require.Equal(StateProcessed, r.State)
	require.Equal(1, r.Attempts)
	require.Equal(id, r.Conversation())

	s, err := bob.sessions.Summary(ctx, id)
	require.Nil(err)
	require.Equal(uint32(1), s.ReceivedMessageNumber)

	require.Equal(float64(1), testutil.ToFloat64(bob.manager.metrics.duplicates))
	require.Equal(float64(1), testutil.ToFloat64(bob.manager.metrics.processed.WithLabelValues("chat-message")))
}

func TestHandlerFailureIsRetriedOnRedelivery(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	alice, bob, id := pairedPeers(t)
	env := seal(t, alice, id, "env-1", PayloadChatMessage, "retry me")

	bob.chat.fail = errors.New("notification center unavailable")
	_, err := bob.manager.Process(ctx, env)
	require.ErrorIs(err, bob.chat.fail)

	r, err := bob.manager.State(ctx, "env-1")
	require.Nil(err)
	require.Equal(StateFailed, r.State)
	require.Equal(1, r.Attempts)
	require.True(strings.Contains(r.LastError, "notification center unavailable"))

	// nothing of the failed attempt was kept
	s, err := bob.sessions.Summary(ctx, id)
	require.Nil(err)
	require.Equal(uint32(0), s.ReceivedMessageNumber)
	require.False(s.CanSend)

	bob.chat.fail = nil
	res, err := bob.manager.Process(ctx, env)
	require.Nil(err)
	require.False(res.Duplicate)
	require.Equal(1, bob.chat.count())

	r, err = bob.manager.State(ctx, "env-1")
	require.Nil(err)
	require.Equal(StateProcessed, r.State)
	require.Equal(2, r.Attempts)
	require.Empty(r.LastError)
	require.Equal(float64(1), testutil.ToFloat64(bob.manager.metrics.failed.WithLabelValues("handler")))
}

func TestHandlerOutlivingBudgetIsDeliveredOnce(t *testing.T) {
	require := require.New(t)
	alice, bob, id := pairedPeers(t)

	var lock sync.Mutex
	deliveries := 0
	require.Nil(bob.manager.Registry().Register(PayloadReceipt, HandlerFunc(func(ctx context.Context, _ *Delivery) error {
		<-ctx.Done()
		lock.Lock()
		defer lock.Unlock()
		deliveries++
		return nil
	})))
	env := seal(t, alice, id, "env-1", PayloadReceipt, "read")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := bob.manager.Process(ctx, env)
	require.Nil(err)
	require.False(res.Duplicate)

	res, err = bob.manager.Process(context.Background(), env)
	require.Nil(err)
	require.True(res.Duplicate)
	require.Equal(1, deliveries)

	r, err := bob.manager.State(context.Background(), "env-1")
	require.Nil(err)
	require.Equal(StateProcessed, r.State)
}

func TestExpiredBudgetIsNotDelivered(t *testing.T) {
	require := require.New(t)
	alice, bob, id := pairedPeers(t)
	env := seal(t, alice, id, "env-1", PayloadChatMessage, "late")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := bob.manager.Process(ctx, env)
	require.ErrorIs(err, context.Canceled)
	require.Equal(0, bob.chat.count())
	require.Equal(float64(1), testutil.ToFloat64(bob.manager.metrics.failed.WithLabelValues("canceled")))
	require.Equal("canceled", failureReason(fmt.Errorf("committing: %w", sql.ErrTxDone)))

	res, err := bob.manager.Process(context.Background(), env)
	require.Nil(err)
	require.False(res.Duplicate)
	require.Equal(1, bob.chat.count())
}

func TestConcurrentRedeliveryDeliversOnce(t *testing.T) {
	require := require.New(t)
	alice, bob, id := pairedPeers(t)
	raw, err := Encode(seal(t, alice, id, "env-1", PayloadChatMessage, "once"))
	require.Nil(err)

	const n = 8
	results := make([]*Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = bob.manager.ProcessRaw(context.Background(), raw)
		}(i)
	}
	wg.Wait()

	delivered := 0
	for i := 0; i < n; i++ {
		require.Nil(errs[i])
		if !results[i].Duplicate {
			delivered++
		}
	}
	require.Equal(1, delivered)
	require.Equal(1, bob.chat.count())
	require.Equal(float64(n-1), testutil.ToFloat64(bob.manager.metrics.duplicates))

	s, err := bob.sessions.Summary(context.Background(), id)
	require.Nil(err)
	require.Equal(uint32(1), s.ReceivedMessageNumber)
}

func TestOversizedEnvelope(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, bob, id := pairedPeers(t)

	env := &Envelope{ID: "big", ConversationID: id, Payload: Payload{Type: PayloadChatMessage, Data: make([]byte, maxPayloadSize+1)}}
	raw, err := Encode(env)
	require.Nil(err)
	_, err = Decode(raw)
	require.ErrorIs(err, ErrMalformed)

	_, err = bob.manager.Process(ctx, env)
	require.ErrorIs(err, ErrMalformed)
	require.Equal(0, bob.chat.count())
}

func TestNoHandler(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	alice, bob, id := pairedPeers(t)

	_, err := bob.manager.Process(ctx, seal(t, alice, id, "env-1", PayloadReceipt, "read"))
	require.ErrorIs(err, ErrNoHandler)

	failed, err := bob.manager.Records(ctx, StateFailed)
	require.Nil(err)
	require.Len(failed, 1)
	require.Equal("env-1", failed[0].ID)
	require.Equal(PayloadReceipt, failed[0].PayloadType)
}

func TestPayloadTypeIsAuthenticated(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	alice, bob, id := pairedPeers(t)

	env := seal(t, alice, id, "env-1", PayloadChatMessage, "not a group update")
	swapped := *env
	swapped.Payload.Type = PayloadGroupUpdate
	_, err := bob.manager.Process(ctx, &swapped)
	require.ErrorIs(err, ratchet.ErrDecryptionFailed)
	require.Equal(0, bob.group.count())

	_, err = bob.manager.Process(ctx, env)
	require.Nil(err)
	require.Equal(1, bob.chat.count())
}

func TestOutOfOrderEnvelopes(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	alice, bob, id := pairedPeers(t)

	envs := []*Envelope{
		seal(t, alice, id, "a", PayloadChatMessage, "first"),
		seal(t, alice, id, "b", PayloadGroupUpdate, "second"),
		seal(t, alice, id, "c", PayloadChatMessage, "third"),
	}
	for _, i := range []int{2, 0, 1} {
		_, err := bob.manager.Process(ctx, envs[i])
		require.Nil(err)
	}
	require.Equal(2, bob.chat.count())
	require.Equal("third", string(bob.chat.deliveries[0].Data))
	require.Equal("first", string(bob.chat.deliveries[1].Data))
	require.Equal(1, bob.group.count())
	require.Equal("second", string(bob.group.deliveries[0].Data))

	s, err := bob.sessions.Summary(ctx, id)
	require.Nil(err)
	require.Equal(0, s.CachedKeys)
}

func TestCompressedPayload(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	alice, bob, id := pairedPeers(t, config.WithCompressThreshold(64))

	body := strings.Repeat("a long and very repetitive notification body ", 100)
	require.Equal(frameZstd, frame([]byte(body), 64)[0])
	require.Equal(frameRaw, frame([]byte("short"), 64)[0])

	env := seal(t, alice, id, "", PayloadChatMessage, body)
	require.NotEmpty(env.ID)
	require.Less(len(env.Payload.Data), len(body))

	_, err := bob.manager.Process(ctx, env)
	require.Nil(err)
	require.Equal(body, string(bob.chat.deliveries[0].Data))
}

func TestPrune(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	alice, bob, id := pairedPeers(t, config.WithEnvelopeRetentionSec(60))

	env := seal(t, alice, id, "old", PayloadChatMessage, "one")
	_, err := bob.manager.Process(ctx, env)
	require.Nil(err)
	bob.clock.Advance(61 * time.Second)
	_, err = bob.manager.Process(ctx, seal(t, alice, id, "new", PayloadChatMessage, "two"))
	require.Nil(err)

	n, err := bob.manager.Prune(ctx)
	require.Nil(err)
	require.Equal(int64(1), n)

	_, err = bob.manager.State(ctx, "old")
	require.ErrorIs(err, ErrUnknown)
	_, err = bob.manager.State(ctx, "new")
	require.Nil(err)

	// the ratchet still refuses the pruned envelope
	_, err = bob.manager.Process(ctx, env)
	require.ErrorIs(err, ratchet.ErrDecryptionFailed)
	require.Equal(2, bob.chat.count())
}

func TestDeleteConversation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	alice, bob, id := pairedPeers(t)

	_, err := bob.manager.Process(ctx, seal(t, alice, id, "env-1", PayloadChatMessage, "bye"))
	require.Nil(err)
	require.Nil(bob.manager.DeleteConversation(ctx, id))

	_, err = bob.manager.State(ctx, "env-1")
	require.ErrorIs(err, ErrUnknown)
	_, err = bob.manager.Process(ctx, seal(t, alice, id, "env-2", PayloadChatMessage, "lost"))
	require.ErrorIs(err, session.ErrNotFound)
}

func TestMalformed(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, bob, id := pairedPeers(t)

	_, err := Decode([]byte{0xff, 0x00})
	require.ErrorIs(err, ErrMalformed)

	_, err = bob.manager.Process(ctx, &Envelope{ID: "x", ConversationID: id})
	require.ErrorIs(err, ErrMalformed)

	_, err = bob.manager.Process(ctx, &Envelope{ID: "y", ConversationID: id, Payload: Payload{Type: PayloadChatMessage, Data: []byte{1, 2, 3}}})
	require.ErrorIs(err, ErrMalformed)
	r, err := bob.manager.State(ctx, "y")
	require.Nil(err)
	require.Equal(StateFailed, r.State)

	_, err = unframe([]byte{9, 1})
	require.ErrorIs(err, ErrMalformed)
}

func TestEncodeDecode(t *testing.T) {
	require := require.New(t)
	env := &Envelope{ID: "e", ConversationID: ids.NewID(), Payload: Payload{Type: PayloadGroupUpdate, Data: []byte{1}}}
	a, err := Encode(env)
	require.Nil(err)
	b, err := Encode(env)
	require.Nil(err)
	require.Equal(a, b)

	decoded, err := Decode(a)
	require.Nil(err)
	require.Equal(env, decoded)
}

func TestRegistry(t *testing.T) {
	require := require.New(t)
	r := NewRegistry()
	require.Nil(r.Register(PayloadReceipt, HandlerFunc(func(context.Context, *Delivery) error { return nil })))
	require.Nil(r.Register(PayloadChatMessage, &recorder{}))
	require.NotNil(r.Register(PayloadChatMessage, &recorder{}))
	require.Equal([]PayloadType{PayloadChatMessage, PayloadReceipt}, r.Types())
	_, ok := r.Lookup(PayloadGroupUpdate)
	require.False(ok)
}
