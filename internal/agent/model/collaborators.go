package model

import (
	"context"
	"time"
)

// Column describes one column of the connected data source.
type Column struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Nullable bool     `json:"nullable"`
	Samples  []string `json:"samples,omitempty"`
}

// DataSourceSnapshot is a read-only view of the active data source taken
// once per message.
type DataSourceSnapshot struct {
	Identity string   `json:"identity"`
	Kind     string   `json:"kind"`
	RowCount int      `json:"row_count"`
	Columns  []Column `json:"columns"`
}

// Connected reports whether the snapshot refers to a real source.
func (s *DataSourceSnapshot) Connected() bool {
	return s != nil && s.Identity != ""
}

// Row is one record as returned by the data source.
type Row map[string]any

// RowSet is the result of a filtered fetch. Count is the number of matching
// rows before the limit is applied.
type RowSet struct {
	Rows  []Row `json:"rows"`
	Count int   `json:"count"`
}

// RowSource is the active data source.
type RowSource interface {
	// Snapshot returns nil, nil when no source is connected.
	Snapshot(ctx context.Context) (*DataSourceSnapshot, error)
	ValidateFilter(ctx context.Context, filter string) error
	FetchRows(ctx context.Context, filter string, limit int) (*RowSet, error)
}

// Shipment is a row mapped onto carrier shipment fields.
type Shipment map[string]string

// RateResult is the carrier estimate for one shipment. Error is set instead
// of CostCents when that row could not be rated.
type RateResult struct {
	CostCents int64  `json:"cost_cents"`
	Currency  string `json:"currency"`
	Error     string `json:"error,omitempty"`
}

// ExecResult is the carrier outcome for one shipment: exactly one of
// TrackingID and FailureReason is set.
type ExecResult struct {
	TrackingID    string `json:"tracking_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Carrier is the only collaborator with real-world side effects.
type Carrier interface {
	Rate(ctx context.Context, shipments []Shipment) ([]RateResult, error)
	Execute(ctx context.Context, shipments []Shipment) ([]ExecResult, error)
	Void(ctx context.Context, trackingID string) error
}

// Contact is an address-book entry addressable by handle.
type Contact struct {
	Handle     string    `json:"handle"`
	Name       string    `json:"name"`
	Company    string    `json:"company,omitempty"`
	Address1   string    `json:"address1"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	PostalCode string    `json:"postal_code"`
	Country    string    `json:"country"`
	Phone      string    `json:"phone,omitempty"`
	LastUsedAt time.Time `json:"last_used_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Directory resolves contact handles. Resolution never touches last-used
// stamps; callers do that explicitly through TouchLastUsed.
type Directory interface {
	Resolve(ctx context.Context, handles []string) (map[string]Contact, error)
	TouchLastUsed(ctx context.Context, handle string) error
	// Recent returns up to n contacts, most recently used first.
	Recent(ctx context.Context, n int) ([]Contact, error)
}

// Credential is an active carrier account.
type Credential struct {
	Provider      string
	Environment   string
	AccountNumber string
	APIKey        string
}

// Credentials looks up carrier credentials. A nil credential with a nil
// error means the provider is not configured.
type Credentials interface {
	Active(ctx context.Context, provider, environment string) (*Credential, error)
}
