package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/recallchat/internal/attachment"
	"github.com/vovakirdan/recallchat/internal/presence"
)

func newTestHub(t *testing.T) (*Hub, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	hub := NewHub(HubConfig{
		Store:      newTestStore(t),
		Reconciler: attachment.NewReconciler(afero.NewMemMapFs(), nil),
		NewID:      sequentialIDs("m"),
	})
	go hub.Run(ctx)
	return hub, ctx
}

func connect(t *testing.T, hub *Hub, ctx context.Context, id string, who *presence.Identity) *Client {
	t.Helper()

	c := NewClient(id)
	hub.Connect(ctx, c)
	mustEvent(t, c.Events, EventHistory)
	if who != nil {
		c.Commands <- &Command{Kind: CommandJoin, Identity: *who}
		waitFor(t, c.Events, func(ev *Event) bool {
			return ev.Kind == EventPresenceList && containsUser(ev.Users, who.ID)
		})
	}
	t.Cleanup(func() { close(c.Commands) })
	return c
}

// waitFor discards events until one matches.
func waitFor(t *testing.T, ch <-chan *Event, match func(*Event) bool) *Event {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev != nil && match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatalf("expected event not received")
			return nil
		}
	}
}

func containsUser(users []presence.Identity, id string) bool {
	for _, u := range users {
		if u.ID == id {
			return true
		}
	}
	return false
}

func TestHubJoinBroadcastsPresenceAndMessages(t *testing.T) {
	hub, ctx := newTestHub(t)

	a := connect(t, hub, ctx, "a", &alice)
	b := connect(t, hub, ctx, "b", &bob)

	countEv := waitFor(t, a.Events, func(ev *Event) bool {
		return ev.Kind == EventPresenceCount && ev.Count == 2
	})
	assert.Equal(t, 2, countEv.Count)

	b.Commands <- &Command{Kind: CommandSendMessage, Draft: Draft{Text: "hi"}}
	msgEv := mustEvent(t, a.Events, EventMessageCreated)
	require.NotNil(t, msgEv.Message)
	assert.Equal(t, "hi", msgEv.Message.Text)
	assert.Equal(t, bob.ID, msgEv.Message.AuthorID)
	assert.Equal(t, "bob", msgEv.Message.AuthorName)

	// The sender sees its own message too.
	mustEvent(t, b.Events, EventMessageCreated)
}

func TestHubNewConnectionReceivesHistory(t *testing.T) {
	hub, ctx := newTestHub(t)

	a := connect(t, hub, ctx, "a", &alice)
	a.Commands <- &Command{Kind: CommandSendMessage, Draft: Draft{Text: "first"}}
	mustEvent(t, a.Events, EventMessageCreated)

	late := NewClient("late")
	hub.Connect(ctx, late)
	t.Cleanup(func() { close(late.Commands) })

	ev := mustEvent(t, late.Events, EventHistory)
	require.Len(t, ev.Messages, 1)
	assert.Equal(t, "first", ev.Messages[0].Text)
}

func TestHubPresenceCountsUsersNotConnections(t *testing.T) {
	hub, ctx := newTestHub(t)

	a1 := connect(t, hub, ctx, "a1", &alice)
	a2 := connect(t, hub, ctx, "a2", &alice)
	b := connect(t, hub, ctx, "b", &bob)

	assert.Equal(t, 2, hub.Presence().OnlineUserCount())
	assert.Equal(t, 3, hub.Presence().ConnectionCount())

	hub.Disconnect(a1)
	ev := waitFor(t, b.Events, func(ev *Event) bool { return ev.Kind == EventPresenceCount })
	assert.Equal(t, 2, ev.Count, "alice still has a connection")

	hub.Disconnect(a2)
	ev = waitFor(t, b.Events, func(ev *Event) bool { return ev.Kind == EventPresenceCount && ev.Count == 1 })
	assert.Equal(t, 1, ev.Count)

	list := mustEvent(t, b.Events, EventPresenceList)
	assert.False(t, containsUser(list.Users, alice.ID))
	assert.True(t, containsUser(list.Users, bob.ID))

	// A second disconnect of the same client is ignored.
	hub.Disconnect(a2)
	assert.Equal(t, 1, hub.Presence().OnlineUserCount())
}

func TestHubSendWithoutJoinProducesError(t *testing.T) {
	hub, ctx := newTestHub(t)

	anon := connect(t, hub, ctx, "anon", nil)
	anon.Commands <- &Command{Kind: CommandSendMessage, Draft: Draft{Text: "hi"}}

	ev := mustEvent(t, anon.Events, EventError)
	require.NotNil(t, ev.Error)
	assert.Equal(t, ErrCodeUnauthorized, ev.Error.Code)
}

func TestHubJoinRequiresIdentity(t *testing.T) {
	hub, ctx := newTestHub(t)

	c := connect(t, hub, ctx, "c", nil)
	c.Commands <- &Command{Kind: CommandJoin}

	ev := mustEvent(t, c.Events, EventError)
	assert.Equal(t, ErrCodeBadRequest, ev.Error.Code)
	assert.Zero(t, hub.Presence().ConnectionCount())
}

func TestHubRecallEditFlowIsOrdered(t *testing.T) {
	hub, ctx := newTestHub(t)

	a := connect(t, hub, ctx, "a", &alice)
	b := connect(t, hub, ctx, "b", &bob)

	a.Commands <- &Command{Kind: CommandSendMessage, Draft: Draft{Text: "hi"}}
	created := mustEvent(t, b.Events, EventMessageCreated)
	id := created.Message.ID

	a.Commands <- &Command{Kind: CommandRecallMessage, MessageID: id}
	a.Commands <- &Command{Kind: CommandEditRecalled, MessageID: id, Text: "hi there"}

	recalled := mustEvent(t, b.Events, EventMessageRecalled)
	assert.Equal(t, id, recalled.MessageID)
	edited := mustEvent(t, b.Events, EventMessageEdited)
	assert.Equal(t, id, edited.MessageID)
	assert.Equal(t, "hi there", edited.Text)
}

func TestHubRecallByOtherUserIsDenied(t *testing.T) {
	hub, ctx := newTestHub(t)

	a := connect(t, hub, ctx, "a", &alice)
	b := connect(t, hub, ctx, "b", &bob)

	a.Commands <- &Command{Kind: CommandSendMessage, Draft: Draft{Text: "mine"}}
	id := mustEvent(t, b.Events, EventMessageCreated).Message.ID

	b.Commands <- &Command{Kind: CommandRecallMessage, MessageID: id}
	ev := mustEvent(t, b.Events, EventError)
	assert.Equal(t, ErrCodeNotOwner, ev.Error.Code)
	assert.Equal(t, id, ev.MessageID)

	// Claiming to be the author does not help either.
	b.Commands <- &Command{Kind: CommandRecallMessage, MessageID: id, AuthorID: alice.ID}
	ev = mustEvent(t, b.Events, EventError)
	assert.Equal(t, ErrCodeNotOwner, ev.Error.Code)

	msg, err := hub.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "active", string(msg.Status))
}

func TestHubDeleteMessage(t *testing.T) {
	hub, ctx := newTestHub(t)

	a := connect(t, hub, ctx, "a", &alice)
	b := connect(t, hub, ctx, "b", &bob)

	a.Commands <- &Command{Kind: CommandSendMessage, Draft: Draft{Text: "oops"}}
	id := mustEvent(t, b.Events, EventMessageCreated).Message.ID

	a.Commands <- &Command{Kind: CommandDeleteMessage, MessageID: id}
	ev := mustEvent(t, b.Events, EventMessagePurged)
	assert.Equal(t, id, ev.MessageID)
}

func TestHubListOnline(t *testing.T) {
	hub, ctx := newTestHub(t)

	a := connect(t, hub, ctx, "a", &alice)
	connect(t, hub, ctx, "b", &bob)

	a.Commands <- &Command{Kind: CommandListOnline}
	ev := waitFor(t, a.Events, func(ev *Event) bool {
		return ev.Kind == EventPresenceList && len(ev.Users) == 2
	})
	assert.Equal(t, "alice", ev.Users[0].Username)
	assert.Equal(t, "bob", ev.Users[1].Username)
}

func TestHubMessagesArriveInSendOrder(t *testing.T) {
	hub, ctx := newTestHub(t)

	a := connect(t, hub, ctx, "a", &alice)
	b := connect(t, hub, ctx, "b", &bob)

	const n = 20
	go func() {
		for i := range n {
			a.Commands <- &Command{Kind: CommandSendMessage, Draft: Draft{Text: fmt.Sprintf("msg-%02d", i)}}
		}
	}()

	for i := range n {
		ev := mustEvent(t, b.Events, EventMessageCreated)
		assert.Equal(t, fmt.Sprintf("msg-%02d", i), ev.Message.Text)
	}
}

func TestHubKicksSlowClient(t *testing.T) {
	hub, ctx := newTestHub(t)

	slow := NewClient("slow")
	hub.Connect(ctx, slow)
	t.Cleanup(func() { close(slow.Commands) })

	for range eventBuffer + 1 {
		hub.Broadcast(&Event{Kind: EventPresenceCount, Count: 1})
	}

	select {
	case <-slow.Kicked():
	case <-time.After(2 * time.Second):
		t.Fatal("slow client was not kicked")
	}
}

func TestHubJoinAfterDisconnectLeavesNoPresence(t *testing.T) {
	hub, ctx := newTestHub(t)

	c := NewClient("late-join")
	hub.Connect(ctx, c)
	t.Cleanup(func() { close(c.Commands) })

	hub.Disconnect(c)
	c.Commands <- &Command{Kind: CommandJoin, Identity: alice}

	require.Never(t, func() bool {
		return hub.Presence().ConnectionCount() > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestHubPresenceSettlesOnLatestStateUnderChurn(t *testing.T) {
	for round := range 20 {
		hub, ctx := newTestHub(t)
		observer := connect(t, hub, ctx, "observer", &presence.Identity{ID: "u-observer", Username: "observer"})

		var lastCount atomic.Int64
		var lastListLen atomic.Int64
		synced := make(chan struct{})
		go func() {
			defer close(synced)
			for ev := range observer.Events {
				switch ev.Kind {
				case EventPresenceCount:
					lastCount.Store(int64(ev.Count))
				case EventPresenceList:
					lastListLen.Store(int64(len(ev.Users)))
				case EventHistory:
					return
				}
			}
		}()

		const churn = 14
		var wg sync.WaitGroup
		for i := range churn {
			wg.Add(1)
			go func() {
				defer wg.Done()

				who := presence.Identity{ID: fmt.Sprintf("u-%d", i), Username: fmt.Sprintf("user-%d", i)}
				c := NewClient(fmt.Sprintf("c-%d", i))
				hub.Connect(ctx, c)
				c.Commands <- &Command{Kind: CommandJoin, Identity: who}

				// Leave only once this join has been announced.
				timeout := time.After(2 * time.Second)
			wait:
				for {
					select {
					case ev := <-c.Events:
						if ev.Kind == EventPresenceList && containsUser(ev.Users, who.ID) {
							break wait
						}
					case <-timeout:
						assert.Fail(t, "join not announced", "client %s", c.ID)
						break wait
					}
				}
				hub.Disconnect(c)
				close(c.Commands)
			}()
		}
		wg.Wait()

		// Ordered after every presence announcement submitted above.
		hub.SendTo(observer, &Event{Kind: EventHistory})
		select {
		case <-synced:
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: observer never caught up", round)
		}

		require.Equal(t, 1, hub.Presence().OnlineUserCount())
		require.Equal(t, int64(hub.Presence().OnlineUserCount()), lastCount.Load(), "round %d: stale presence-count", round)
		require.Equal(t, int64(1), lastListLen.Load(), "round %d: stale presence-list", round)
	}
}
