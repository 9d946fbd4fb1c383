// Package sheets appends routed messages to a Google spreadsheet, one row
// per message.
package sheets

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/service"
)

const (
	DefaultTitle = "Inbox Router Emails"
	Tab          = "Emails"

	spreadsheetMime = "application/vnd.google-apps.spreadsheet"
	previewCells    = 1000
	lastColumn      = "O"
)

// Header is the first row of the tab. Column B carries the message source id
// and is what duplicate detection reads.
var Header = []string{
	"Timestamp",
	"Email ID",
	"From",
	"From Name",
	"Subject",
	"Classification",
	"Body Preview",
	"AI Confidence",
	"Urgency",
	"Intent",
	"AI Reasoning",
	"Has Attachments",
	"Thread ID",
	"Synced At",
	"Status",
}

var rowPattern = regexp.MustCompile(`(\d+)$`)

type Client struct {
	clients  service.HTTPClientProvider
	endpoint string
	logger   *logger.Logger
	now      func() time.Time
}

// NewClient builds the spreadsheet destination. An empty endpoint uses the
// public Google APIs; otherwise endpoint is the root both the Sheets and the
// Drive paths hang off.
func NewClient(clients service.HTTPClientProvider, endpoint string, logger *logger.Logger) *Client {
	return &Client{clients: clients, endpoint: endpoint, logger: logger, now: time.Now}
}

func (c *Client) System() model.System { return model.SystemSpreadsheet }

func (c *Client) options(ctx context.Context, credential *model.Credential, suffix string) ([]option.ClientOption, error) {
	httpClient, err := c.clients.HTTPClient(ctx, credential)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint+suffix))
	}
	return opts, nil
}

func (c *Client) sheets(ctx context.Context, credential *model.Credential) (*sheets.Service, error) {
	opts, err := c.options(ctx, credential, "")
	if err != nil {
		return nil, err
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sheets service: %w", err)
	}
	return svc, nil
}

func (c *Client) drive(ctx context.Context, credential *model.Credential) (*drive.Service, error) {
	opts, err := c.options(ctx, credential, "drive/v3/")
	if err != nil {
		return nil, err
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Drive service: %w", err)
	}
	return svc, nil
}

// EnsureResource creates a spreadsheet when none has been selected yet.
func (c *Client) EnsureResource(ctx context.Context, credential *model.Credential) (bool, error) {
	if credential.ResourceID != "" {
		return false, nil
	}
	svc, err := c.sheets(ctx, credential)
	if err != nil {
		return false, err
	}
	created, err := svc.Spreadsheets.Create(&sheets.Spreadsheet{
		Properties: &sheets.SpreadsheetProperties{Title: DefaultTitle},
		Sheets:     []*sheets.Sheet{{Properties: &sheets.SheetProperties{Title: Tab}}},
	}).Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("failed to create spreadsheet: %w", err)
	}
	credential.ResourceID = created.SpreadsheetId
	credential.ResourceName = DefaultTitle
	if created.Properties != nil && created.Properties.Title != "" {
		credential.ResourceName = created.Properties.Title
	}
	c.logger.Info("Created spreadsheet", credential.ResourceID, "for user", credential.UserID)
	return true, nil
}

// Commit appends the message as a row. A message whose source id is already
// in column B is not appended again; the existing row is returned.
func (c *Client) Commit(ctx context.Context, credential *model.Credential, req *service.CommitRequest) (*model.Link, error) {
	spreadsheetID := credential.ResourceID
	if spreadsheetID == "" {
		return nil, fmt.Errorf("no spreadsheet selected: %w", model.ErrNotConfigured)
	}
	svc, err := c.sheets(ctx, credential)
	if err != nil {
		return nil, err
	}

	if err := c.ensureTab(ctx, svc, spreadsheetID); err != nil {
		return nil, err
	}
	row, err := c.findRow(ctx, svc, spreadsheetID, req.Message.ExternalID)
	if err != nil {
		return nil, err
	}
	if row > 0 {
		c.logger.Info("Message", req.Message.ExternalID, "already on row", row)
		return c.link(spreadsheetID, row), nil
	}

	resp, err := svc.Spreadsheets.Values.Append(spreadsheetID, Tab+"!A:"+lastColumn, &sheets.ValueRange{
		Values: [][]interface{}{c.Row(req.Message)},
	}).ValueInputOption("USER_ENTERED").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to append row: %w", err)
	}
	if resp.Updates != nil {
		row = RowNumber(resp.Updates.UpdatedRange)
	}
	c.logger.Info("Appended message", req.Message.ExternalID, "to spreadsheet", spreadsheetID, "row", row)
	return c.link(spreadsheetID, row), nil
}

func (c *Client) link(spreadsheetID string, row int) *model.Link {
	return &model.Link{
		RecordID:   spreadsheetID,
		ObjectType: "row",
		RecordURL:  URL(spreadsheetID),
		RowNumber:  row,
	}
}

func (c *Client) ensureTab(ctx context.Context, svc *sheets.Service, spreadsheetID string) error {
	meta, err := svc.Spreadsheets.Get(spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read spreadsheet %s: %w", spreadsheetID, err)
	}
	found := false
	for _, s := range meta.Sheets {
		if s.Properties != nil && s.Properties.Title == Tab {
			found = true
			break
		}
	}
	if !found {
		_, err := svc.Spreadsheets.BatchUpdate(spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
			Requests: []*sheets.Request{{AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: Tab}}}},
		}).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to add %s tab: %w", Tab, err)
		}
	}

	headerRange := Tab + "!A1:" + lastColumn + "1"
	current, err := svc.Spreadsheets.Values.Get(spreadsheetID, headerRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if len(current.Values) > 0 && len(current.Values[0]) > 0 {
		return nil
	}
	values := make([]interface{}, len(Header))
	for i, h := range Header {
		values[i] = h
	}
	_, err = svc.Spreadsheets.Values.Update(spreadsheetID, headerRange, &sheets.ValueRange{
		Values: [][]interface{}{values},
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

func (c *Client) findRow(ctx context.Context, svc *sheets.Service, spreadsheetID, externalID string) (int, error) {
	if externalID == "" {
		return 0, nil
	}
	ids, err := svc.Spreadsheets.Values.Get(spreadsheetID, Tab+"!B:B").Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("failed to read message ids: %w", err)
	}
	for i, row := range ids.Values {
		// Row 1 is the header.
		if i == 0 || len(row) == 0 {
			continue
		}
		if fmt.Sprint(row[0]) == externalID {
			return i + 1, nil
		}
	}
	return 0, nil
}

// Row renders a message in Header order.
func (c *Client) Row(m *model.Message) []interface{} {
	d := m.Decision
	if d == nil {
		d = &model.RoutingDecision{}
	}
	preview := m.Preview
	if r := []rune(preview); len(r) > previewCells {
		preview = string(r[:previewCells])
	}
	return []interface{}{
		m.ReceivedAt.UTC().Format(time.RFC3339),
		m.ExternalID,
		m.SenderEmail,
		senderName(m.Sender),
		m.Subject,
		d.ContactObjectType,
		preview,
		strconv.FormatFloat(d.Confidence, 'f', 2, 64),
		d.Urgency,
		d.Intent,
		d.Reasoning,
		strconv.FormatBool(m.HasAttachments),
		m.ThreadID,
		c.now().UTC().Format(time.RFC3339),
		string(m.Status),
	}
}

// ListSpreadsheets returns the user's spreadsheets, most recently modified
// first.
func (c *Client) ListSpreadsheets(ctx context.Context, credential *model.Credential) ([]service.Spreadsheet, error) {
	svc, err := c.drive(ctx, credential)
	if err != nil {
		return nil, err
	}
	list, err := svc.Files.List().
		Q("mimeType='" + spreadsheetMime + "' and trashed=false").
		OrderBy("modifiedTime desc").
		PageSize(50).
		Fields("files(id,name,modifiedTime,webViewLink)").
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list spreadsheets: %w", err)
	}
	out := make([]service.Spreadsheet, 0, len(list.Files))
	for _, f := range list.Files {
		s := service.Spreadsheet{ID: f.Id, Name: f.Name, URL: f.WebViewLink}
		if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
			s.ModifiedAt = t
		}
		if s.URL == "" {
			s.URL = URL(f.Id)
		}
		out = append(out, s)
	}
	return out, nil
}

// URL links to a spreadsheet in the Sheets web app.
func URL(spreadsheetID string) string {
	return "https://docs.google.com/spreadsheets/d/" + spreadsheetID + "/edit"
}

// RowNumber extracts the last row of an A1 range such as "Emails!A7:O7".
func RowNumber(a1 string) int {
	m := rowPattern.FindStringSubmatch(a1)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func senderName(from string) string {
	if i := strings.Index(from, "<"); i > 0 {
		return strings.Trim(strings.TrimSpace(from[:i]), `"`)
	}
	return ""
}
