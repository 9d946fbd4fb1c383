// Package repotest holds behaviour tests shared by every repository
// implementation.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-router/internal/model"
	"inbox-router/internal/repository"
)

func message(userID, externalID, subject string, received time.Time) *model.Message {
	return model.NewMessage(userID, externalID, "Jane <jane@example.com>", subject, "preview of "+subject, received)
}

// MessageRepository exercises a MessageRepository implementation.
func MessageRepository(t *testing.T, newRepo func(t *testing.T) repository.MessageRepository) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("create is insert-only", func(t *testing.T) {
		repo := newRepo(t)
		msg := message("u1", "gm-1", "Pricing", base)

		created, err := repo.CreateIfAbsent(ctx, msg)
		require.NoError(t, err)
		assert.True(t, created)

		msg.Status = model.StatusRejected
		require.NoError(t, repo.Update(ctx, msg))

		dup := message("u1", "gm-1", "Pricing again", base)
		created, err = repo.CreateIfAbsent(ctx, dup)
		require.NoError(t, err)
		assert.False(t, created)

		stored, err := repo.FindByExternalID(ctx, "u1", "gm-1")
		require.NoError(t, err)
		assert.Equal(t, msg.ID, stored.ID)
		assert.Equal(t, model.StatusRejected, stored.Status)
		assert.Equal(t, "Pricing", stored.Subject)
	})

	t.Run("find is scoped by user", func(t *testing.T) {
		repo := newRepo(t)
		msg := message("u1", "gm-1", "Hello", base)
		_, err := repo.CreateIfAbsent(ctx, msg)
		require.NoError(t, err)

		_, err = repo.FindByID(ctx, "u2", msg.ID)
		assert.ErrorIs(t, err, model.ErrMessageNotFound)

		found, err := repo.FindByID(ctx, "u1", msg.ID)
		require.NoError(t, err)
		assert.Equal(t, "jane@example.com", found.SenderEmail)
	})

	t.Run("update persists decision and links", func(t *testing.T) {
		repo := newRepo(t)
		msg := message("u1", "gm-1", "Hello", base)
		_, err := repo.CreateIfAbsent(ctx, msg)
		require.NoError(t, err)

		msg.ApplyDecision(&model.RoutingDecision{ContactObjectType: "contacts", Confidence: 0.9, Note: "n"}, "sum", 0.5, base)
		msg.ApplyResult(model.DestinationResult{
			Action: model.ActionAccept,
			System: model.SystemContacts,
			Link:   &model.Link{RecordID: "c-1", RecordURL: "https://app.hubspot.com/x", Note: "n"},
			At:     base,
		})
		require.NoError(t, repo.Update(ctx, msg))

		found, err := repo.FindByID(ctx, "u1", msg.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusAnalyzed, found.Status)
		require.NotNil(t, found.Decision)
		assert.Equal(t, 0.9, found.Decision.Confidence)
		assert.Equal(t, "sum", found.Summary)
		require.NotNil(t, found.LinkFor(model.SystemContacts))
		assert.Equal(t, "c-1", found.LinkFor(model.SystemContacts).RecordID)
	})

	t.Run("update unknown message", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.Update(ctx, message("u1", "gm-x", "ghost", base))
		assert.ErrorIs(t, err, model.ErrMessageNotFound)
	})

	t.Run("modify applies to the stored row", func(t *testing.T) {
		repo := newRepo(t)
		msg := message("u1", "gm-1", "Hello", base)
		_, err := repo.CreateIfAbsent(ctx, msg)
		require.NoError(t, err)

		// A copy read before another writer committed a link.
		stale, err := repo.FindByID(ctx, "u1", msg.ID)
		require.NoError(t, err)

		_, err = repo.Modify(ctx, "u1", msg.ID, func(m *model.Message) error {
			m.AttachLink(model.SystemSpreadsheet, &model.Link{RowNumber: 7}, base)
			return nil
		})
		require.NoError(t, err)

		updated, err := repo.Modify(ctx, "u1", stale.ID, func(m *model.Message) error {
			m.ApplyResult(model.DestinationResult{
				Action: model.ActionAccept,
				System: model.SystemContacts,
				Link:   &model.Link{RecordID: "c-1"},
				At:     base,
			})
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, model.StatusAnalyzed, updated.Status)

		found, err := repo.FindByID(ctx, "u1", msg.ID)
		require.NoError(t, err)
		require.NotNil(t, found.LinkFor(model.SystemSpreadsheet))
		assert.Equal(t, 7, found.LinkFor(model.SystemSpreadsheet).RowNumber)
		require.NotNil(t, found.LinkFor(model.SystemContacts))
		assert.Equal(t, "c-1", found.LinkFor(model.SystemContacts).RecordID)
	})

	t.Run("modify aborts on error", func(t *testing.T) {
		repo := newRepo(t)
		msg := message("u1", "gm-1", "Hello", base)
		_, err := repo.CreateIfAbsent(ctx, msg)
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = repo.Modify(ctx, "u1", msg.ID, func(m *model.Message) error {
			m.Status = model.StatusRejected
			return boom
		})
		assert.ErrorIs(t, err, boom)

		found, err := repo.FindByID(ctx, "u1", msg.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusNew, found.Status)

		_, err = repo.Modify(ctx, "u2", msg.ID, func(*model.Message) error { return nil })
		assert.ErrorIs(t, err, model.ErrMessageNotFound)
	})

	t.Run("concurrent modify keeps every link", func(t *testing.T) {
		repo := newRepo(t)
		msg := message("u1", "gm-1", "Hello", base)
		_, err := repo.CreateIfAbsent(ctx, msg)
		require.NoError(t, err)

		systems := []model.System{model.SystemContacts, model.SystemSpreadsheet, model.SystemSecondaryCRM}
		var wg sync.WaitGroup
		for _, system := range systems {
			wg.Add(1)
			go func(system model.System) {
				defer wg.Done()
				_, err := repo.Modify(ctx, "u1", msg.ID, func(m *model.Message) error {
					m.AttachLink(system, &model.Link{RecordID: string(system)}, base)
					return nil
				})
				assert.NoError(t, err)
			}(system)
		}
		wg.Wait()

		found, err := repo.FindByID(ctx, "u1", msg.ID)
		require.NoError(t, err)
		assert.Len(t, found.Links, len(systems))
	})

	t.Run("list filters, searches and orders", func(t *testing.T) {
		repo := newRepo(t)
		a := message("u1", "a", "Invoice 42", base)
		b := message("u1", "b", "Partnership", base.Add(time.Hour))
		c := message("u1", "c", "Spam offer", base.Add(2*time.Hour))
		other := message("u2", "d", "Invoice 43", base)
		for _, m := range []*model.Message{a, b, c, other} {
			_, err := repo.CreateIfAbsent(ctx, m)
			require.NoError(t, err)
		}
		c.Status = model.StatusRejected
		require.NoError(t, repo.Update(ctx, c))

		list, err := repo.List(ctx, "u1", model.MessageFilter{})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "b", list[0].ExternalID)
		assert.Equal(t, "a", list[1].ExternalID)

		list, err = repo.List(ctx, "u1", model.MessageFilter{Status: model.FilterAll})
		require.NoError(t, err)
		assert.Len(t, list, 3)

		list, err = repo.List(ctx, "u1", model.MessageFilter{Status: string(model.StatusRejected)})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "c", list[0].ExternalID)

		list, err = repo.List(ctx, "u1", model.MessageFilter{Status: model.FilterAll, Query: "invoice"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "a", list[0].ExternalID)

		list, err = repo.List(ctx, "u1", model.MessageFilter{Status: model.FilterAll, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("count by status", func(t *testing.T) {
		repo := newRepo(t)
		a := message("u1", "a", "one", base)
		b := message("u1", "b", "two", base)
		for _, m := range []*model.Message{a, b, message("u2", "c", "three", base)} {
			_, err := repo.CreateIfAbsent(ctx, m)
			require.NoError(t, err)
		}
		b.Status = model.StatusRouted
		require.NoError(t, repo.Update(ctx, b))

		counts, err := repo.CountByStatus(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.StatusNew])
		assert.Equal(t, 1, counts[model.StatusRouted])
		assert.Equal(t, 0, counts[model.StatusRejected])
	})
}

// CredentialRepository exercises a CredentialRepository implementation.
func CredentialRepository(t *testing.T, newRepo func(t *testing.T) repository.CredentialRepository) {
	ctx := context.Background()

	t.Run("save, get and upsert", func(t *testing.T) {
		repo := newRepo(t)
		expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
		cred := model.NewCredential("u1", model.SystemContacts, "access", "refresh", &expiry)
		cred.Identity = "owner@example.com"
		require.NoError(t, repo.Save(ctx, cred))

		found, err := repo.Get(ctx, "u1", model.SystemContacts)
		require.NoError(t, err)
		assert.Equal(t, "access", found.AccessToken)
		assert.Equal(t, "owner@example.com", found.Identity)
		require.NotNil(t, found.TokenExpiry)
		assert.True(t, expiry.Equal(*found.TokenExpiry))
		assert.Nil(t, found.BaselineAt)

		baseline := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		found.AccessToken = "rotated"
		found.BaselineAt = &baseline
		found.BaselineReady = true
		require.NoError(t, repo.Save(ctx, found))

		again, err := repo.Get(ctx, "u1", model.SystemContacts)
		require.NoError(t, err)
		assert.Equal(t, "rotated", again.AccessToken)
		assert.True(t, again.BaselineReady)
		require.NotNil(t, again.BaselineAt)
		assert.True(t, baseline.Equal(*again.BaselineAt))
	})

	t.Run("missing credential", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, "u1", model.SystemMail)
		assert.ErrorIs(t, err, model.ErrCredentialNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "u1", model.SystemMail), model.ErrCredentialNotFound)
	})

	t.Run("delete and list", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Save(ctx, model.NewCredential("u1", model.SystemMail, "a", "r", nil)))
		require.NoError(t, repo.Save(ctx, model.NewCredential("u2", model.SystemMail, "a", "r", nil)))
		require.NoError(t, repo.Save(ctx, model.NewCredential("u1", model.SystemSpreadsheet, "a", "r", nil)))

		list, err := repo.ListBySystem(ctx, model.SystemMail)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "u1", list[0].UserID)

		require.NoError(t, repo.Delete(ctx, "u1", model.SystemMail))
		list, err = repo.ListBySystem(ctx, model.SystemMail)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}
