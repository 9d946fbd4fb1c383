package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/service"
)

const (
	user        = "me"
	pageSize    = 100
	previewSize = 4000
)

var (
	tagPattern   = regexp.MustCompile(`(?s)<[^>]*>`)
	spacePattern = regexp.MustCompile(`[ \t]+`)
	linkPattern  = regexp.MustCompile(`https?://`)
)

// Client reads the linked inbox through the Gmail API.
type Client struct {
	clients  service.HTTPClientProvider
	endpoint string
	logger   *logger.Logger
}

// NewGmailClient builds a mail client. An empty endpoint uses the public
// Gmail API.
func NewGmailClient(clients service.HTTPClientProvider, endpoint string, logger *logger.Logger) *Client {
	return &Client{clients: clients, endpoint: endpoint, logger: logger}
}

func (g *Client) service(ctx context.Context, credential *model.Credential) (*gmail.Service, error) {
	httpClient, err := g.clients.HTTPClient(ctx, credential)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// Profile returns the address of the linked mailbox.
func (g *Client) Profile(ctx context.Context, credential *model.Credential) (string, error) {
	svc, err := g.service(ctx, credential)
	if err != nil {
		return "", err
	}
	profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to read Gmail profile: %w", err)
	}
	return profile.EmailAddress, nil
}

// ListMessagesAfter returns inbox messages received strictly after the
// cutoff, newest first as Gmail lists them, up to maxResults.
func (g *Client) ListMessagesAfter(ctx context.Context, credential *model.Credential, after time.Time, maxResults int64) ([]*model.Message, error) {
	svc, err := g.service(ctx, credential)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("in:inbox after:%d", after.Unix())
	var ids []string
	pageToken := ""
	for int64(len(ids)) < maxResults {
		call := svc.Users.Messages.List(user).Q(query).MaxResults(min(pageSize, maxResults-int64(len(ids)))).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		for _, msg := range list.Messages {
			ids = append(ids, msg.Id)
		}
		if list.NextPageToken == "" || len(list.Messages) == 0 {
			break
		}
		pageToken = list.NextPageToken
	}
	if int64(len(ids)) > maxResults {
		ids = ids[:maxResults]
	}

	cutoffMillis := after.UnixMilli()
	var messages []*model.Message
	for _, id := range ids {
		full, err := svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.logger.Error("Failed to get message", id, ":", err)
			continue
		}
		// Gmail's after: filter has second granularity.
		if full.InternalDate <= cutoffMillis {
			continue
		}
		messages = append(messages, g.toMessage(full))
	}

	g.logger.Info("Fetched", len(messages), "messages from Gmail after", after.Format(time.RFC3339))
	return messages, nil
}

func (g *Client) toMessage(full *gmail.Message) *model.Message {
	subject := ""
	from := ""
	if full.Payload != nil {
		for _, header := range full.Payload.Headers {
			switch strings.ToLower(header.Name) {
			case "subject":
				subject = header.Value
			case "from":
				from = header.Value
			}
		}
	}

	body := g.extractBody(full.Payload)
	if body == "" {
		body = html.UnescapeString(full.Snippet)
	}

	message := model.NewMessage("", full.Id, from, subject, truncate(body, previewSize), time.UnixMilli(full.InternalDate).UTC())
	message.ThreadID = full.ThreadId
	message.HasLinks = linkPattern.MatchString(body)
	walkParts(full.Payload, func(part *gmail.MessagePart) {
		if part.Filename != "" {
			message.HasAttachments = true
		}
		if strings.HasPrefix(part.MimeType, "image/") {
			message.HasImages = true
		}
	})
	return message
}

// extractBody prefers text/plain and falls back to text/html with tags
// stripped.
func (g *Client) extractBody(payload *gmail.MessagePart) string {
	var plain, rich string
	walkParts(payload, func(part *gmail.MessagePart) {
		if part.Body == nil || part.Body.Data == "" || part.Filename != "" {
			return
		}
		switch {
		case plain == "" && part.MimeType == "text/plain":
			plain = g.decode(part.Body.Data)
		case rich == "" && part.MimeType == "text/html":
			rich = g.decode(part.Body.Data)
		}
	})
	if strings.TrimSpace(plain) != "" {
		return strings.TrimSpace(plain)
	}
	return htmlToText(rich)
}

func (g *Client) decode(data string) string {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(data)
	}
	if err != nil {
		g.logger.Error("Failed to decode email body:", err)
		return ""
	}
	return string(decoded)
}

func walkParts(part *gmail.MessagePart, fn func(*gmail.MessagePart)) {
	if part == nil {
		return
	}
	fn(part)
	for _, child := range part.Parts {
		walkParts(child, fn)
	}
}

func htmlToText(s string) string {
	if s == "" {
		return ""
	}
	s = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n").Replace(s)
	s = html.UnescapeString(tagPattern.ReplaceAllString(s, ""))

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(spacePattern.ReplaceAllString(line, " ")); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
