package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-router/internal/model"
	"inbox-router/internal/service"
)

type destinations struct {
	contacts    *fakeDestination
	secondary   *fakeDestination
	spreadsheet *fakeDestination
}

func newDestinations() *destinations {
	return &destinations{
		contacts:    &fakeDestination{system: model.SystemContacts},
		secondary:   &fakeDestination{system: model.SystemSecondaryCRM},
		spreadsheet: &fakeDestination{system: model.SystemSpreadsheet},
	}
}

func newRouterWith(f *fixture, d *destinations) service.RoutingService {
	return service.NewRoutingService(
		f.messages,
		f.connections,
		[]service.DestinationClient{d.contacts, d.secondary, provisioningDestination{d.spreadsheet}},
		f.guard,
		f.events,
		f.metrics,
		f.logger,
	)
}

func newRouter(f *fixture) service.RoutingService {
	return newRouterWith(f, newDestinations())
}

func TestAcceptCommitsOnce(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail, model.SystemContacts)
	d := newDestinations()
	router := newRouterWith(f, d)
	message := f.addMessage("m-1", model.StatusPendingAnalysis)

	accepted, err := router.AcceptToContactSystem(context.Background(), testUser, message.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAnalyzed, accepted.Status)
	link := accepted.LinkFor(model.SystemContacts)
	require.NotNil(t, link)
	assert.Equal(t, "rec-m-1", link.RecordID)
	assert.Contains(t, link.Note, "ExternalRef: m-1")

	again, err := router.AcceptToContactSystem(context.Background(), testUser, message.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAnalyzed, again.Status)
	assert.Equal(t, 1, d.contacts.Calls())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CommitsShortCircuit.WithLabelValues("hubspot")))
}

func TestAcceptUsesNoteOverride(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail, model.SystemContacts)
	d := newDestinations()
	message := f.addMessage("m-1", model.StatusNew)

	_, err := newRouterWith(f, d).AcceptToContactSystem(context.Background(), testUser, "m-1", "  call back Monday ")
	require.NoError(t, err)
	require.Len(t, d.contacts.notes, 1)
	assert.Equal(t, "  call back Monday ", d.contacts.notes[0])

	stored, err := f.messages.FindByID(context.Background(), testUser, message.ID)
	require.NoError(t, err)
	assert.Equal(t, "  call back Monday ", stored.LinkFor(model.SystemContacts).Note)
}

func TestAcceptFailureMovesToError(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail, model.SystemContacts)
	d := newDestinations()
	d.contacts.err = errDownstream
	router := newRouterWith(f, d)
	message := f.addMessage("m-1", model.StatusPendingAnalysis)

	failed, err := router.AcceptToContactSystem(context.Background(), testUser, message.ID, "")
	require.Error(t, err)
	assert.True(t, model.IsRoutingError(err))
	require.NotNil(t, failed)
	assert.Equal(t, model.StatusError, failed.Status)
	assert.Contains(t, failed.Error, errDownstream.Error())
	assert.Nil(t, failed.LinkFor(model.SystemContacts))

	d.contacts.err = nil
	retried, err := router.AcceptToContactSystem(context.Background(), testUser, message.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAnalyzed, retried.Status)
	assert.Empty(t, retried.Error)
}

func TestCommitRequiresConnection(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail)
	d := newDestinations()
	message := f.addMessage("m-1", model.StatusNew)

	_, err := newRouterWith(f, d).RouteToSecondarySystem(context.Background(), testUser, message.ID, "")
	assert.True(t, errors.Is(err, model.ErrNotConnected))
	assert.Zero(t, d.secondary.Calls())

	stored, err := f.messages.FindByID(context.Background(), testUser, message.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, stored.Status)
}

func TestRouteSecondaryFromAnalyzed(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail, model.SystemSecondaryCRM)
	message := f.addMessage("m-1", model.StatusAnalyzed)

	routed, err := newRouter(f).RouteToSecondarySystem(context.Background(), testUser, message.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRouted, routed.Status)
	assert.NotNil(t, routed.LinkFor(model.SystemSecondaryCRM))
}

func TestSpreadsheetSyncKeepsStatus(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail, model.SystemSpreadsheet)
	d := newDestinations()
	router := newRouterWith(f, d)
	message := f.addMessage("m-1", model.StatusRejected)

	synced, err := router.SyncToSpreadsheet(context.Background(), testUser, message.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, synced.Status)
	assert.True(t, synced.SyncedToSpreadsheet())
	assert.True(t, d.spreadsheet.ensured)

	credential, err := f.connections.Require(context.Background(), testUser, model.SystemSpreadsheet)
	require.NoError(t, err)
	assert.Equal(t, "sheet-1", credential.ResourceID)

	d.spreadsheet.err = errDownstream
	other := f.addMessage("m-2", model.StatusRouted)
	failed, err := router.SyncToSpreadsheet(context.Background(), testUser, other.ID)
	require.Error(t, err)
	assert.Equal(t, model.StatusRouted, failed.Status)
	assert.NotEmpty(t, failed.Error)
}

func TestConcurrentCommitsReachDestinationOnce(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail, model.SystemContacts)
	d := newDestinations()
	d.contacts.block = make(chan struct{})
	d.contacts.entered = make(chan struct{}, 1)
	router := newRouterWith(f, d)
	message := f.addMessage("m-1", model.StatusPendingAnalysis)

	first := make(chan error, 1)
	go func() {
		_, err := router.AcceptToContactSystem(context.Background(), testUser, message.ID, "")
		first <- err
	}()

	select {
	case <-d.contacts.entered:
	case <-time.After(testTimeout):
		t.Fatal("first commit never reached the destination")
	}

	_, err := router.AcceptToContactSystem(context.Background(), testUser, message.ID, "")
	assert.True(t, errors.Is(err, model.ErrActionInFlight))

	close(d.contacts.block)
	require.NoError(t, <-first)
	assert.Equal(t, 1, d.contacts.Calls())
}

func TestConcurrentRetriesAfterCommitShortCircuit(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail, model.SystemContacts)
	d := newDestinations()
	router := newRouterWith(f, d)
	message := f.addMessage("m-1", model.StatusPendingAnalysis)

	_, err := router.AcceptToContactSystem(context.Background(), testUser, message.ID, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := router.AcceptToContactSystem(context.Background(), testUser, message.ID, "")
			assert.NoError(t, err)
			assert.Equal(t, model.StatusAnalyzed, m.Status)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, d.contacts.Calls())
}

func TestRejectReviewFinalize(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail, model.SystemContacts)
	router := newRouter(f)
	ctx := context.Background()

	rejected := f.addMessage("m-1", model.StatusNew)
	m, err := router.Reject(ctx, testUser, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, m.Status)

	_, err = router.Reject(ctx, testUser, rejected.ID)
	var transition *model.TransitionError
	assert.True(t, errors.As(err, &transition))

	reviewed := f.addMessage("m-2", model.StatusPendingAnalysis)
	m, err = router.RequestReview(ctx, testUser, reviewed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsReview, m.Status)
	assert.True(t, m.ReviewRequested)

	_, err = router.Finalize(ctx, testUser, reviewed.ID)
	assert.True(t, errors.As(err, &transition))

	m, err = router.AcceptToContactSystem(ctx, testUser, reviewed.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAnalyzed, m.Status)

	m, err = router.Finalize(ctx, testUser, reviewed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, m.Status)
	assert.NotNil(t, m.LinkFor(model.SystemContacts))
}

func TestCommitUnknownMessage(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail, model.SystemContacts)

	_, err := newRouter(f).AcceptToContactSystem(context.Background(), testUser, "nope", "")
	assert.True(t, errors.Is(err, model.ErrMessageNotFound))
}

func TestAcceptOverlappingSpreadsheetSyncKeepsBothLinks(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail, model.SystemContacts, model.SystemSpreadsheet)
	d := newDestinations()
	d.contacts.block = make(chan struct{})
	d.contacts.entered = make(chan struct{}, 1)
	router := newRouterWith(f, d)
	message := f.addMessage("m-1", model.StatusPendingAnalysis)
	ctx := context.Background()

	accepted := make(chan *model.Message, 1)
	go func() {
		m, err := router.AcceptToContactSystem(ctx, testUser, message.ID, "")
		assert.NoError(t, err)
		accepted <- m
	}()

	select {
	case <-d.contacts.entered:
	case <-time.After(testTimeout):
		t.Fatal("accept never reached the destination")
	}

	synced, err := router.SyncToSpreadsheet(ctx, testUser, message.ID)
	require.NoError(t, err)
	require.NotNil(t, synced.LinkFor(model.SystemSpreadsheet))

	close(d.contacts.block)
	m := <-accepted
	require.NotNil(t, m)
	assert.Equal(t, model.StatusAnalyzed, m.Status)
	assert.NotNil(t, m.LinkFor(model.SystemContacts))
	assert.NotNil(t, m.LinkFor(model.SystemSpreadsheet))

	stored, err := f.messages.FindByID(ctx, testUser, message.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LinkFor(model.SystemContacts))
	assert.NotNil(t, stored.LinkFor(model.SystemSpreadsheet))

	// Both records exist, so repeating either action writes nothing new.
	_, err = router.SyncToSpreadsheet(ctx, testUser, message.ID)
	require.NoError(t, err)
	_, err = router.AcceptToContactSystem(ctx, testUser, message.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, d.spreadsheet.Calls())
	assert.Equal(t, 1, d.contacts.Calls())
}

func TestCommitFinishingAfterRejectKeepsLinkAndStatus(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail, model.SystemSecondaryCRM)
	d := newDestinations()
	d.secondary.block = make(chan struct{})
	d.secondary.entered = make(chan struct{}, 1)
	router := newRouterWith(f, d)
	message := f.addMessage("m-1", model.StatusPendingAnalysis)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := router.RouteToSecondarySystem(ctx, testUser, message.ID, "")
		done <- err
	}()
	select {
	case <-d.secondary.entered:
	case <-time.After(testTimeout):
		t.Fatal("route never reached the destination")
	}

	_, err := router.Reject(ctx, testUser, message.ID)
	require.NoError(t, err)
	close(d.secondary.block)
	require.NoError(t, <-done)

	stored, err := f.messages.FindByID(ctx, testUser, message.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, stored.Status)
	assert.NotNil(t, stored.LinkFor(model.SystemSecondaryCRM))
}

func TestAcceptRetryAfterRouteStaysRouted(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail, model.SystemContacts, model.SystemSecondaryCRM)
	d := newDestinations()
	router := newRouterWith(f, d)
	message := f.addMessage("m-1", model.StatusPendingAnalysis)
	ctx := context.Background()

	m, err := router.RouteToSecondarySystem(ctx, testUser, message.ID, "")
	require.NoError(t, err)
	require.Equal(t, model.StatusRouted, m.Status)

	d.contacts.err = errDownstream
	m, err = router.AcceptToContactSystem(ctx, testUser, message.ID, "")
	require.Error(t, err)
	require.Equal(t, model.StatusError, m.Status)

	d.contacts.err = nil
	m, err = router.AcceptToContactSystem(ctx, testUser, message.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRouted, m.Status)
	assert.NotNil(t, m.LinkFor(model.SystemContacts))
	assert.NotNil(t, m.LinkFor(model.SystemSecondaryCRM))
	assert.Equal(t, 1, d.secondary.Calls())
}

func TestLinkedRejectedMessageRefusesAccept(t *testing.T) {
	f := newFixture()
	f.connect(model.SystemMail, model.SystemContacts)
	d := newDestinations()
	router := newRouterWith(f, d)
	ctx := context.Background()
	message := f.addMessage("m-1", model.StatusPendingAnalysis)

	_, err := router.AcceptToContactSystem(ctx, testUser, message.ID, "")
	require.NoError(t, err)
	_, err = f.messages.Modify(ctx, testUser, message.ID, func(m *model.Message) error {
		m.Status = model.StatusRejected
		return nil
	})
	require.NoError(t, err)

	_, err = router.AcceptToContactSystem(ctx, testUser, message.ID, "")
	var transition *model.TransitionError
	assert.True(t, errors.As(err, &transition))
	assert.Equal(t, 1, d.contacts.Calls())
	assert.Zero(t, testutil.ToFloat64(f.metrics.CommitsShortCircuit.WithLabelValues("hubspot")))
}
