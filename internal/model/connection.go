package model

import (
	"time"
)

// System identifies an external account the dashboard can be linked to.
type System string

const (
	SystemMail         System = "gmail"
	SystemContacts     System = "hubspot"
	SystemSpreadsheet  System = "google_sheets"
	SystemSecondaryCRM System = "salesforce"
)

// AllSystems lists every system in display order.
var AllSystems = []System{SystemMail, SystemContacts, SystemSpreadsheet, SystemSecondaryCRM}

// DestinationSystems are the systems a message can be routed to.
var DestinationSystems = []System{SystemContacts, SystemSpreadsheet, SystemSecondaryCRM}

func (s System) Valid() bool {
	switch s {
	case SystemMail, SystemContacts, SystemSpreadsheet, SystemSecondaryCRM:
		return true
	}
	return false
}

func (s System) IsDestination() bool {
	return s.Valid() && s != SystemMail
}

// Slug is the path segment used for the system in the HTTP API.
func (s System) Slug() string {
	if s == SystemSpreadsheet {
		return "google-sheets"
	}
	return string(s)
}

// SystemFromSlug is the inverse of Slug.
func SystemFromSlug(slug string) (System, bool) {
	for _, s := range AllSystems {
		if s.Slug() == slug || string(s) == slug {
			return s, true
		}
	}
	return "", false
}

type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionExpired      ConnectionStatus = "expired"
	ConnectionFailed       ConnectionStatus = "error"
)

// Connection is the user-visible state of one system link.
type Connection struct {
	System        System           `json:"system"`
	Status        ConnectionStatus `json:"status"`
	Connected     bool             `json:"connected"`
	Identity      string           `json:"email,omitempty"`
	InstanceURL   string           `json:"instance_url,omitempty"`
	ResourceID    string           `json:"spreadsheet_id,omitempty"`
	ResourceName  string           `json:"spreadsheet_name,omitempty"`
	LastSyncAt    *time.Time       `json:"last_sync_at,omitempty"`
	BaselineAt    *time.Time       `json:"baseline_at,omitempty"`
	BaselineReady bool             `json:"baseline_ready"`
	Error         string           `json:"error,omitempty"`
}

// DisconnectedConnection is the fail-closed value for a system.
func DisconnectedConnection(system System) *Connection {
	return &Connection{System: system, Status: ConnectionDisconnected}
}

// Credential is the server-side record of a linked account. Tokens never
// leave the backend.
type Credential struct {
	UserID        string     `db:"user_id" json:"user_id"`
	System        System     `db:"system" json:"system"`
	AccessToken   string     `db:"access_token" json:"-"`
	RefreshToken  string     `db:"refresh_token" json:"-"`
	TokenExpiry   *time.Time `db:"token_expiry" json:"-"`
	Identity      string     `db:"identity" json:"identity"`
	InstanceURL   string     `db:"instance_url" json:"instance_url"`
	AccountID     string     `db:"account_id" json:"account_id"`
	ResourceID    string     `db:"resource_id" json:"resource_id"`
	ResourceName  string     `db:"resource_name" json:"resource_name"`
	BaselineAt    *time.Time `db:"baseline_at" json:"baseline_at"`
	BaselineReady bool       `db:"baseline_ready" json:"baseline_ready"`
	LastPollAt    *time.Time `db:"last_poll_at" json:"last_poll_at"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

func NewCredential(userID string, system System, accessToken, refreshToken string, expiry *time.Time) *Credential {
	now := time.Now().UTC()
	return &Credential{
		UserID:       userID,
		System:       system,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenExpiry:  expiry,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Expired reports whether the access token is past its expiry and cannot be
// refreshed.
func (c *Credential) Expired(now time.Time) bool {
	if c.TokenExpiry == nil || c.TokenExpiry.IsZero() {
		return false
	}
	return c.RefreshToken == "" && now.After(*c.TokenExpiry)
}

// Connection projects the credential into its user-visible state.
func (c *Credential) Connection(now time.Time) *Connection {
	conn := &Connection{
		System:        c.System,
		Status:        ConnectionConnected,
		Connected:     true,
		Identity:      c.Identity,
		InstanceURL:   c.InstanceURL,
		ResourceID:    c.ResourceID,
		ResourceName:  c.ResourceName,
		LastSyncAt:    c.LastPollAt,
		BaselineAt:    c.BaselineAt,
		BaselineReady: c.BaselineReady,
	}
	if c.Expired(now) {
		conn.Status = ConnectionExpired
		conn.Connected = false
	}
	return conn
}
