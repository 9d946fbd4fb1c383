package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-router/internal/model"
)

func message(externalID string, status model.MessageStatus) *model.Message {
	m := model.NewMessage("user-1", externalID, "Jane <jane@acme.io>", "Subject "+externalID, "preview", time.Now())
	m.Status = status
	return m
}

func TestStoreReplaceSelectsFirst(t *testing.T) {
	s := NewStore()
	a, b := message("a", model.StatusNew), message("b", model.StatusNew)
	s.Replace(model.MessageFilter{}, []*model.Message{a, b})

	assert.Equal(t, a.ID, s.ActiveID())
	_, err := s.Select("b")
	require.NoError(t, err)
	assert.Equal(t, b.ID, s.ActiveID())

	// b survives a reload, so it stays selected.
	s.Replace(model.MessageFilter{}, []*model.Message{a, b})
	assert.Equal(t, b.ID, s.ActiveID())

	s.Replace(model.MessageFilter{}, []*model.Message{a})
	assert.Equal(t, a.ID, s.ActiveID())

	s.Replace(model.MessageFilter{}, nil)
	assert.Nil(t, s.Active())
	_, err = s.Select("a")
	assert.ErrorIs(t, err, model.ErrMessageNotFound)
}

func TestRefreshNeverDowngradesTerminal(t *testing.T) {
	s := NewStore()
	m := message("a", model.StatusNew)
	s.Replace(model.MessageFilter{Status: model.FilterAll}, []*model.Message{m})

	_, ok := s.Update(m.ID, func(held *model.Message) {
		held.ApplyResult(model.DestinationResult{Action: model.ActionReject})
	})
	require.True(t, ok)

	stale := m.Clone()
	stale.Status = model.StatusPendingAnalysis
	stale.Links = map[model.System]*model.Link{model.SystemSpreadsheet: {RowNumber: 3}}
	s.Merge([]*model.Message{stale})

	held, _ := s.Get(m.ID)
	assert.Equal(t, model.StatusRejected, held.Status)
	require.NotNil(t, held.LinkFor(model.SystemSpreadsheet))
	assert.Equal(t, 3, held.LinkFor(model.SystemSpreadsheet).RowNumber)

	s.Replace(model.MessageFilter{Status: model.FilterAll}, []*model.Message{stale})
	held, _ = s.Get(m.ID)
	assert.Equal(t, model.StatusRejected, held.Status)

	// An explicit action result is authoritative.
	confirmed := stale.Clone()
	confirmed.Status = model.StatusError
	require.True(t, s.Put(confirmed))
	held, _ = s.Get(m.ID)
	assert.Equal(t, model.StatusError, held.Status)
}

func TestRefreshUpdatesNonTerminal(t *testing.T) {
	s := NewStore()
	m := message("a", model.StatusNew)
	s.Replace(model.MessageFilter{}, []*model.Message{m})

	fresh := m.Clone()
	fresh.Status = model.StatusPendingAnalysis
	added := message("b", model.StatusNew)
	s.Merge([]*model.Message{fresh, added})

	held, _ := s.Get(m.ID)
	assert.Equal(t, model.StatusPendingAnalysis, held.Status)
	assert.Equal(t, 2, s.Len())
}

func TestVisibleAppliesFilter(t *testing.T) {
	s := NewStore()
	a, b := message("a", model.StatusNew), message("b", model.StatusNew)
	s.Replace(model.MessageFilter{}, []*model.Message{a, b})

	s.Update(a.ID, func(held *model.Message) { held.Status = model.StatusRejected })
	visible := s.Visible()
	require.Len(t, visible, 1)
	assert.Equal(t, "b", visible[0].ExternalID)

	// The rejected message is still held and still selectable by id.
	found, ok := s.Find("a")
	require.True(t, ok)
	assert.Equal(t, model.StatusRejected, found.Status)

	s.Replace(model.MessageFilter{Query: "subject b"}, []*model.Message{a, b})
	visible = s.Visible()
	require.Len(t, visible, 1)
	assert.Equal(t, b.ID, visible[0].ID)
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore()
	m := message("a", model.StatusNew)
	s.Replace(model.MessageFilter{}, []*model.Message{m})

	got, _ := s.Get(m.ID)
	got.Status = model.StatusRouted
	m.Status = model.StatusRouted

	held, _ := s.Get(m.ID)
	assert.Equal(t, model.StatusNew, held.Status)
	assert.False(t, s.Put(message("unknown", model.StatusNew)))
}

func TestPutKeepsLinksMissingFromResponse(t *testing.T) {
	s := NewStore()
	m := message("a", model.StatusNew)
	s.Replace(model.MessageFilter{}, []*model.Message{m})

	synced := m.Clone()
	synced.AttachLink(model.SystemSpreadsheet, &model.Link{RowNumber: 5}, time.Now())
	require.True(t, s.Put(synced))

	// An older response for another action lands afterwards.
	analyzed := m.Clone()
	analyzed.ApplyDecision(&model.RoutingDecision{Confidence: 0.9}, "", 0.5, time.Now())
	require.True(t, s.Put(analyzed))

	held, _ := s.Get(m.ID)
	assert.Equal(t, model.StatusPendingAnalysis, held.Status)
	require.NotNil(t, held.LinkFor(model.SystemSpreadsheet))
	assert.Equal(t, 5, held.LinkFor(model.SystemSpreadsheet).RowNumber)
}
