package sse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-router/internal/logger"
	"inbox-router/internal/metrics"
	"inbox-router/internal/model"
	"inbox-router/internal/service"
)

func decode(t *testing.T, raw []byte) Event {
	t.Helper()
	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func TestManagerBroadcastsToUserStreams(t *testing.T) {
	m := metrics.New()
	manager := NewSSEManager(m, logger.Nop())

	a := manager.AddClient("user-1")
	b := manager.AddClient("user-1")
	other := manager.AddClient("user-2")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StreamClients))
	assert.Equal(t, 2, manager.GetUserConnectionCount("user-1"))

	manager.BroadcastToUser("user-1", service.EventMessageUpdated, map[string]string{"id": "m-1"})

	for _, ch := range []chan []byte{a, b} {
		select {
		case raw := <-ch:
			ev := decode(t, raw)
			assert.Equal(t, service.EventMessageUpdated, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	select {
	case <-other:
		t.Fatal("event leaked to another user")
	default:
	}

	manager.RemoveClient("user-1", a)
	manager.RemoveClient("user-1", a)
	assert.Equal(t, 1, manager.GetUserConnectionCount("user-1"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StreamClients))

	manager.Close()
	assert.False(t, manager.HasUserConnection("user-1"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StreamClients))
	_, open := <-b
	assert.False(t, open)
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	manager := NewSSEManager(nil, logger.Nop())
	ch := manager.AddClient("user-1")

	for i := 0; i < cap(ch)+5; i++ {
		manager.BroadcastToUser("user-1", "tick", i)
	}
	assert.Len(t, ch, cap(ch))
}

type fakeSync struct {
	mu    sync.Mutex
	users []string
	err   error
}

func (f *fakeSync) StartSync(ctx context.Context, userID string, maxMessages int64) (*service.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	if f.err != nil {
		return nil, f.err
	}
	return &service.SyncResult{Processed: 1}, nil
}

type fakeInbox struct{}

func (fakeInbox) List(ctx context.Context, userID string, filter model.MessageFilter) ([]*model.Message, error) {
	return nil, nil
}

func (fakeInbox) Get(ctx context.Context, userID, ref string) (*model.Message, error) {
	return nil, model.ErrMessageNotFound
}

func (fakeInbox) Summary(ctx context.Context, userID string) (*model.InboxSummary, error) {
	s := model.NewInboxSummary()
	s.Total = 3
	return s, nil
}

func TestJobPollsOnlyUsersWithStreams(t *testing.T) {
	manager := NewSSEManager(nil, logger.Nop())
	ch := manager.AddClient("user-1")
	syncer := &fakeSync{}
	job := NewInboxSyncJob(syncer, fakeInbox{}, manager, time.Minute, 10, logger.Nop())

	job.RunSync(context.Background())

	assert.Equal(t, []string{"user-1"}, syncer.users)
	select {
	case raw := <-ch:
		ev := decode(t, raw)
		assert.Equal(t, service.EventInboxSummary, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("summary not pushed")
	}
}

func TestJobPushesSummaryWhenNotReady(t *testing.T) {
	manager := NewSSEManager(nil, logger.Nop())
	ch := manager.AddClient("user-1")
	job := NewInboxSyncJob(&fakeSync{err: model.ErrNotReady}, fakeInbox{}, manager, time.Minute, 10, logger.Nop())

	job.RunSync(context.Background())

	assert.Len(t, ch, 1)
}

func TestJobStopsWithContext(t *testing.T) {
	manager := NewSSEManager(nil, logger.Nop())
	job := NewInboxSyncJob(&fakeSync{err: errors.New("boom")}, fakeInbox{}, manager, 10*time.Millisecond, 10, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- job.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("job did not stop")
	}
}
