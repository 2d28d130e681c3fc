// Package surfaces turns store snapshots into the shapes the UI layers
// render. Every binding here is a pure read: mutations always go through the
// sync controller.
package surfaces

import (
	"fmt"
	"time"

	"github.com/bazaarlab/notisync/internal/notify"
	"github.com/bazaarlab/notisync/internal/store"
)

const badgeCap = 99

// Badge is the unread indicator shown on navbar bells.
type Badge struct {
	Count   int    `json:"count"`
	Display string `json:"display"`
}

// BadgeFor derives the unread badge from the store.
func BadgeFor(st *store.Store) Badge {
	count := st.UnreadCount()
	display := fmt.Sprintf("%d", count)
	if count > badgeCap {
		display = fmt.Sprintf("%d+", badgeCap)
	}
	return Badge{Count: count, Display: display}
}

// DropdownItem is one row of the bell dropdown.
type DropdownItem struct {
	notify.Record
	TimeAgo string `json:"timeAgo"`
}

// DropdownFor returns the newest records visible to the audience, capped at
// limit, with relative timestamps.
func DropdownFor(st *store.Store, audience notify.RecipientType, limit int, now time.Time) []DropdownItem {
	if limit <= 0 {
		limit = 5
	}

	items := make([]DropdownItem, 0, limit)
	for _, rec := range st.Snapshot() {
		if !rec.RecipientType.Matches(audience) {
			continue
		}
		items = append(items, DropdownItem{
			Record:  rec,
			TimeAgo: TimeAgo(rec.CreatedAt, now),
		})
		if len(items) == limit {
			break
		}
	}
	return items
}

// Tab selects which slice of the notification page is shown.
type Tab string

const (
	TabAll    Tab = "all"
	TabUnread Tab = "unread"
)

// PageQuery filters the full notification page.
type PageQuery struct {
	Audience notify.RecipientType
	Tab      Tab
	Category notify.Category // empty means every category
}

// PageView is the full notification page with its filter echo.
type PageView struct {
	Items       []DropdownItem  `json:"items"`
	UnreadCount int             `json:"unreadCount"`
	Tab         Tab             `json:"tab"`
	Category    notify.Category `json:"category,omitempty"`
	HasMore     bool            `json:"hasMore"`
}

// PageFor renders the filtered notification page.
func PageFor(st *store.Store, query PageQuery, hasMore bool, now time.Time) PageView {
	if query.Tab == "" {
		query.Tab = TabAll
	}

	var items []DropdownItem
	for _, rec := range st.Snapshot() {
		if !rec.RecipientType.Matches(query.Audience) {
			continue
		}
		if query.Tab == TabUnread && rec.Read {
			continue
		}
		if query.Category != "" && rec.Category != query.Category {
			continue
		}
		items = append(items, DropdownItem{
			Record:  rec,
			TimeAgo: TimeAgo(rec.CreatedAt, now),
		})
	}

	return PageView{
		Items:       items,
		UnreadCount: st.UnreadCount(),
		Tab:         query.Tab,
		Category:    query.Category,
		HasMore:     hasMore,
	}
}

// HistoryRow is one row of the admin send-history table.
type HistoryRow struct {
	ID            string               `json:"id"`
	Title         string               `json:"title"`
	RecipientType notify.RecipientType `json:"recipientType"`
	Category      notify.Category      `json:"category"`
	Channel       notify.Channel       `json:"channel"`
	SentAt        time.Time            `json:"sentAt"`
	SentAgo       string               `json:"sentAgo"`
}

// HistoryRows maps admin history records to table rows. The channel column
// is only meaningful here, which is why the other bindings ignore it.
func HistoryRows(records []notify.Record, now time.Time) []HistoryRow {
	rows := make([]HistoryRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, HistoryRow{
			ID:            rec.ID,
			Title:         rec.Title,
			RecipientType: rec.RecipientType,
			Category:      rec.Category,
			Channel:       rec.Channel,
			SentAt:        rec.CreatedAt,
			SentAgo:       TimeAgo(rec.CreatedAt, now),
		})
	}
	return rows
}

// TimeAgo renders a compact relative timestamp for list rows.
func TimeAgo(at, now time.Time) string {
	if at.IsZero() || !at.Before(now) {
		return "just now"
	}

	elapsed := now.Sub(at)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	case elapsed < 30*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(elapsed.Hours()/24))
	default:
		return at.Format("Jan 2, 2006")
	}
}
