package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pairbot/backend/internal/clock"
	"github.com/pairbot/backend/internal/netclient"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func recv(t *testing.T, c *Client) netclient.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mock event")
		return netclient.Event{}
	}
}

func TestMockClientPairingFlow(t *testing.T) {
	clk := clock.Fake(epoch)
	c := NewClient(Config{
		ScanDelay:       25 * time.Second,
		RotateInterval:  10 * time.Second,
		MessageInterval: 5 * time.Second,
		Script:          []netclient.Message{{From: "user1", Body: "!help"}},
	}, clk, zap.NewNop().Sugar())
	defer c.Destroy(context.Background())

	require.NoError(t, c.Initialize(context.Background()))

	first := recv(t, c)
	require.Equal(t, netclient.EventCredential, first.Type)
	assert.NotEmpty(t, first.Credential)

	// Two rotations fit before the 25s scan.
	for i := 0; i < 2; i++ {
		clk.WaitForTimers(1)
		clk.Advance(10 * time.Second)
		ev := recv(t, c)
		require.Equal(t, netclient.EventCredential, ev.Type)
		assert.NotEqual(t, first.Credential, ev.Credential)
	}

	clk.WaitForTimers(1)
	clk.Advance(5 * time.Second)
	assert.Equal(t, netclient.EventAuthenticated, recv(t, c).Type)
	assert.Equal(t, netclient.EventReady, recv(t, c).Type)

	clk.WaitForTimers(1)
	clk.Advance(5 * time.Second)
	ev := recv(t, c)
	require.Equal(t, netclient.EventMessage, ev.Type)
	assert.Equal(t, "user1", ev.Message.From)
	assert.Equal(t, "mock-1", ev.Message.ID)
}

func TestMockClientFailsLeadingAttempts(t *testing.T) {
	c := NewClient(Config{FailInitAttempts: 2, ScanDelay: time.Hour}, clock.Fake(epoch), zap.NewNop().Sugar())
	defer c.Destroy(context.Background())

	ctx := context.Background()
	assert.Error(t, c.Initialize(ctx))
	assert.Error(t, c.Initialize(ctx))
	assert.NoError(t, c.Initialize(ctx))
	assert.ErrorIs(t, c.Initialize(ctx), netclient.ErrAlreadyRunning)
	assert.Equal(t, 4, c.Attempts())
}

func TestMockClientRecordsReplies(t *testing.T) {
	c := NewClient(Config{ScanDelay: time.Hour}, clock.Fake(epoch), zap.NewNop().Sugar())
	ctx := context.Background()

	assert.ErrorIs(t, c.Reply(ctx, netclient.Message{}, "early"), netclient.ErrNotRunning)

	require.NoError(t, c.Initialize(ctx))
	require.NoError(t, c.Reply(ctx, netclient.Message{ID: "m1", From: "user1"}, "hi"))
	assert.Equal(t, []Reply{{To: "user1", MessageID: "m1", Text: "hi"}}, c.Replies())

	require.NoError(t, c.Destroy(ctx))
	assert.ErrorIs(t, c.Reply(ctx, netclient.Message{}, "late"), netclient.ErrNotRunning)
	assert.ErrorIs(t, c.Initialize(ctx), netclient.ErrNotRunning)
}

func TestMockClientDestroyStopsGoroutine(t *testing.T) {
	c := NewClient(Config{ScanDelay: time.Hour}, clock.Fake(epoch), zap.NewNop().Sugar())
	require.NoError(t, c.Initialize(context.Background()))
	recv(t, c)

	done := make(chan struct{})
	go func() {
		_ = c.Destroy(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Destroy did not stop the run loop")
	}
}
