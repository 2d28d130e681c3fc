package notify

import (
	"strings"
	"time"
)

// RecipientType scopes a notification to the surfaces that display it.
type RecipientType string

const (
	RecipientBuyer  RecipientType = "buyer"
	RecipientSeller RecipientType = "seller"
	RecipientAll    RecipientType = "all"
)

// Valid reports whether the recipient type is one of the known values.
func (r RecipientType) Valid() bool {
	switch r {
	case RecipientBuyer, RecipientSeller, RecipientAll:
		return true
	}
	return false
}

// Matches reports whether a record scoped to r should be shown to a surface
// operating on behalf of the supplied audience.
func (r RecipientType) Matches(audience RecipientType) bool {
	return r == RecipientAll || r == audience
}

// Category drives tab filtering on the notification page.
type Category string

const (
	CategoryInfo     Category = "info"
	CategoryAlert    Category = "alert"
	CategoryReminder Category = "reminder"
	CategoryOrder    Category = "order"
	CategoryPayment  Category = "payment"
)

// Valid reports whether the category is one of the known values.
func (c Category) Valid() bool {
	switch c {
	case CategoryInfo, CategoryAlert, CategoryReminder, CategoryOrder, CategoryPayment:
		return true
	}
	return false
}

// Channel identifies how a notification was delivered. Only the admin history
// view renders it.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelBoth  Channel = "both"
)

// Valid reports whether the channel is one of the known values.
func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelBoth:
		return true
	}
	return false
}

// Record is the unit of the subsystem. Records are created server-side and
// arrive either through a REST page fetch or a push event; the only client
// mutation is the read transition.
type Record struct {
	ID            string         `json:"id"`
	RecipientType RecipientType  `json:"recipientType"`
	Category      Category       `json:"category"`
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	Read          bool           `json:"read"`
	ReadAt        *time.Time     `json:"readAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	Channel       Channel        `json:"channel"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Normalize trims identifier whitespace and fills enum defaults so records
// from lenient servers still satisfy store invariants.
func (r Record) Normalize() Record {
	r.ID = strings.TrimSpace(r.ID)
	if !r.RecipientType.Valid() {
		r.RecipientType = RecipientAll
	}
	if !r.Category.Valid() {
		r.Category = CategoryInfo
	}
	if !r.Channel.Valid() {
		r.Channel = ChannelInApp
	}
	return r
}

// Pagination mirrors the page metadata returned by the notification API.
type Pagination struct {
	CurrentPage int  `json:"currentPage"`
	TotalPages  int  `json:"totalPages"`
	HasMore     bool `json:"hasMore"`
}

// Page bundles one REST page with its metadata and the server-computed
// unread counter.
type Page struct {
	Notifications []Record   `json:"notifications"`
	Pagination    Pagination `json:"pagination"`
	UnreadCount   int        `json:"unreadCount"`
}

// AdminSendInput describes an admin-originated notification send request.
type AdminSendInput struct {
	RecipientType RecipientType  `json:"recipientType" validate:"required,oneof=buyer seller all"`
	Category      Category       `json:"category" validate:"required,oneof=info alert reminder order payment"`
	Title         string         `json:"title" validate:"required,max=200"`
	Message       string         `json:"message" validate:"required,max=2000"`
	Channel       Channel        `json:"channel" validate:"required,oneof=in_app email both"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
