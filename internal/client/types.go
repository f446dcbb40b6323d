package client

import "time"

// Membership describes one tenant the user belongs to. A user with a
// single membership gets its context selected automatically on login;
// multiple memberships require an explicit choice.
type Membership struct {
	MembershipID int64  `json:"membershipId"`
	MasterID     int64  `json:"masterId"`
	MasterName   string `json:"masterName,omitempty"`
	BrandID      int64  `json:"brandId,omitempty"`
	BrandName    string `json:"brandName,omitempty"`
	LocationID   int64  `json:"locationId,omitempty"`
	LocationName string `json:"locationName,omitempty"`
	Role         string `json:"role,omitempty"`
	Status       string `json:"status,omitempty"`
}

// TenantContext is the active membership/brand/location scope derived
// from the access token claims.
type TenantContext struct {
	MembershipID int64
	BrandID      int64
	LocationID   int64
}

// Claims are the fields the client derives from the access token. A
// malformed or absent token yields the zero value.
type Claims struct {
	Subject string
	Roles   []string
	Context TenantContext
	Expiry  time.Time
}

// LoginResult is what Login returns after the membership handling has run.
type LoginResult struct {
	AccessToken     string
	Username        string
	Memberships     []Membership
	ContextSelected bool
}

// User is the profile returned by the /auth/v1/me endpoint.
type User struct {
	ID        int64    `json:"id"`
	Username  string   `json:"username"`
	Email     string   `json:"email,omitempty"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// ContextSelection identifies the tenant context to activate. Nil-able
// fields are omitted from the request body.
type ContextSelection struct {
	MasterID   int64 `json:"masterId,omitempty"`
	BrandID    int64 `json:"brandId,omitempty"`
	LocationID int64 `json:"pickupPointId,omitempty"`
}

// Event is a single long-poll notification.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	OrderID   int64     `json:"orderId,omitempty"`
	At        time.Time `json:"at,omitempty"`
	OldStatus string    `json:"oldStatus,omitempty"`
	NewStatus string    `json:"newStatus,omitempty"`
	Text      string    `json:"text,omitempty"`
}

// Envelope is the long-poll response body. NextSince is the cursor the
// client must acknowledge and then pass on the next poll; HasMore means
// more events are buffered server-side beyond this page.
type Envelope struct {
	Events      []Event `json:"events"`
	NextSince   int64   `json:"nextSince"`
	HasMore     bool    `json:"hasMore"`
	UnreadCount int     `json:"unreadCount,omitempty"`
}

// Well-known event types emitted by the ordering backend.
const (
	EventOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventCourierMessage     = "COURIER_MESSAGE"
	EventClientMessage      = "CLIENT_MESSAGE"
)
