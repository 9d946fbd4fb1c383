package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"inbox-router/internal/model"
)

type MessageRepository struct {
	db *sqlx.DB
}

func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

type messageRow struct {
	ID              string         `db:"id"`
	UserID          string         `db:"user_id"`
	ExternalID      string         `db:"external_id"`
	ThreadID        string         `db:"thread_id"`
	Subject         string         `db:"subject"`
	Sender          string         `db:"sender"`
	SenderEmail     string         `db:"sender_email"`
	Preview         string         `db:"preview"`
	HasAttachments  bool           `db:"has_attachments"`
	HasLinks        bool           `db:"has_links"`
	HasImages       bool           `db:"has_images"`
	Status          string         `db:"status"`
	Decision        sql.NullString `db:"decision"`
	Summary         string         `db:"summary"`
	ReviewRequested bool           `db:"review_requested"`
	Links           string         `db:"links"`
	Error           string         `db:"error"`
	ReceivedAt      time.Time      `db:"received_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

const messageColumns = `id, user_id, external_id, thread_id, subject, sender, sender_email, preview,
	has_attachments, has_links, has_images, status, decision, summary, review_requested,
	links, error, received_at, created_at, updated_at`

func toRow(m *model.Message) (*messageRow, error) {
	row := &messageRow{
		ID:              m.ID,
		UserID:          m.UserID,
		ExternalID:      m.ExternalID,
		ThreadID:        m.ThreadID,
		Subject:         m.Subject,
		Sender:          m.Sender,
		SenderEmail:     m.SenderEmail,
		Preview:         m.Preview,
		HasAttachments:  m.HasAttachments,
		HasLinks:        m.HasLinks,
		HasImages:       m.HasImages,
		Status:          string(m.Status),
		Summary:         m.Summary,
		ReviewRequested: m.ReviewRequested,
		Error:           m.Error,
		ReceivedAt:      m.ReceivedAt.UTC(),
		CreatedAt:       m.CreatedAt.UTC(),
		UpdatedAt:       m.UpdatedAt.UTC(),
	}
	if m.Decision != nil {
		data, err := json.Marshal(m.Decision)
		if err != nil {
			return nil, fmt.Errorf("marshaling decision for message %s: %w", m.ID, err)
		}
		row.Decision = sql.NullString{String: string(data), Valid: true}
	}
	links := m.Links
	if links == nil {
		links = map[model.System]*model.Link{}
	}
	data, err := json.Marshal(links)
	if err != nil {
		return nil, fmt.Errorf("marshaling links for message %s: %w", m.ID, err)
	}
	row.Links = string(data)
	return row, nil
}

func (r *messageRow) toModel() (*model.Message, error) {
	m := &model.Message{
		ID:              r.ID,
		UserID:          r.UserID,
		ExternalID:      r.ExternalID,
		ThreadID:        r.ThreadID,
		Subject:         r.Subject,
		Sender:          r.Sender,
		SenderEmail:     r.SenderEmail,
		Preview:         r.Preview,
		HasAttachments:  r.HasAttachments,
		HasLinks:        r.HasLinks,
		HasImages:       r.HasImages,
		Status:          model.MessageStatus(r.Status),
		Summary:         r.Summary,
		ReviewRequested: r.ReviewRequested,
		Links:           map[model.System]*model.Link{},
		Error:           r.Error,
		ReceivedAt:      r.ReceivedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Decision.Valid && r.Decision.String != "" {
		m.Decision = &model.RoutingDecision{}
		if err := json.Unmarshal([]byte(r.Decision.String), m.Decision); err != nil {
			return nil, fmt.Errorf("unmarshaling decision for message %s: %w", r.ID, err)
		}
	}
	if r.Links != "" {
		if err := json.Unmarshal([]byte(r.Links), &m.Links); err != nil {
			return nil, fmt.Errorf("unmarshaling links for message %s: %w", r.ID, err)
		}
	}
	return m, nil
}

func (r *MessageRepository) CreateIfAbsent(ctx context.Context, message *model.Message) (bool, error) {
	row, err := toRow(message)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (:id, :user_id, :external_id, :thread_id, :subject, :sender, :sender_email, :preview,
			:has_attachments, :has_links, :has_images, :status, :decision, :summary, :review_requested,
			:links, :error, :received_at, :created_at, :updated_at)
		ON CONFLICT (user_id, external_id) DO NOTHING`

	result, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return false, fmt.Errorf("inserting message %s: %w", message.ExternalID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *MessageRepository) findOne(ctx context.Context, where string, args ...interface{}) (*model.Message, error) {
	var row messageRow
	query := r.db.Rebind(`SELECT ` + messageColumns + ` FROM messages WHERE ` + where)
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrMessageNotFound
		}
		return nil, err
	}
	return row.toModel()
}

func (r *MessageRepository) FindByID(ctx context.Context, userID, id string) (*model.Message, error) {
	return r.findOne(ctx, `user_id = ? AND id = ?`, userID, id)
}

func (r *MessageRepository) FindByExternalID(ctx context.Context, userID, externalID string) (*model.Message, error) {
	return r.findOne(ctx, `user_id = ? AND external_id = ?`, userID, externalID)
}

func (r *MessageRepository) List(ctx context.Context, userID string, filter model.MessageFilter) ([]*model.Message, error) {
	filter = filter.Normalize()

	conditions := []string{"user_id = ?"}
	args := []interface{}{userID}

	switch filter.Status {
	case "":
		conditions = append(conditions, "status <> ?")
		args = append(args, string(model.StatusRejected))
	case model.FilterAll:
	default:
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	if filter.Query != "" {
		like := "%" + strings.ToLower(filter.Query) + "%"
		conditions = append(conditions, "(LOWER(subject) LIKE ? OR LOWER(sender) LIKE ? OR LOWER(preview) LIKE ?)")
		args = append(args, like, like, like)
	}

	query := r.db.Rebind(`SELECT ` + messageColumns + ` FROM messages WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY received_at DESC LIMIT ?`)
	args = append(args, filter.Limit)

	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	messages := make([]*model.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func (r *MessageRepository) CountByStatus(ctx context.Context, userID string) (map[model.MessageStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	query := r.db.Rebind(`SELECT status, COUNT(*) AS n FROM messages WHERE user_id = ? GROUP BY status`)
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}

	counts := make(map[model.MessageStatus]int, len(rows))
	for _, row := range rows {
		counts[model.MessageStatus(row.Status)] = row.Count
	}
	return counts, nil
}

const updateMessage = `
	UPDATE messages SET
		status = :status,
		decision = :decision,
		summary = :summary,
		review_requested = :review_requested,
		links = :links,
		error = :error,
		updated_at = :updated_at
	WHERE id = :id AND user_id = :user_id`

func (r *MessageRepository) Update(ctx context.Context, message *model.Message) error {
	return update(ctx, r.db, message)
}

func update(ctx context.Context, db sqlx.ExtContext, message *model.Message) error {
	row, err := toRow(message)
	if err != nil {
		return err
	}

	result, err := sqlx.NamedExecContext(ctx, db, updateMessage, row)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", message.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return model.ErrMessageNotFound
	}
	return nil
}

// Modify runs fn inside a transaction. Postgres locks the row; SQLite runs on
// a single connection, so the transaction already excludes other writers.
func (r *MessageRepository) Modify(ctx context.Context, userID, id string, fn func(*model.Message) error) (*model.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + messageColumns + ` FROM messages WHERE user_id = ? AND id = ?`
	if r.db.DriverName() == DriverPostgres {
		query += ` FOR UPDATE`
	}

	var row messageRow
	if err := tx.GetContext(ctx, &row, tx.Rebind(query), userID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrMessageNotFound
		}
		return nil, err
	}
	message, err := row.toModel()
	if err != nil {
		return nil, err
	}
	if err := fn(message); err != nil {
		return nil, err
	}
	if err := update(ctx, tx, message); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message %s: %w", id, err)
	}
	return message, nil
}
