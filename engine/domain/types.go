// Package domain defines the listing, query, and conversation types shared by
// the search pipeline, the relational store, and the backfill job. It also
// acts as the validation gate for search requests.
package domain

import "time"

// ListingRecord is a vehicle listing as stored in the relational store.
// Nullable columns are pointers so "unknown" never reads as zero.
type ListingRecord struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title"`
	Make         string     `json:"make"`
	Model        string     `json:"model"`
	City         string     `json:"city"`
	Municipality string     `json:"municipality"`
	Year         *int       `json:"year"`
	Price        *float64   `json:"price_num"`
	Mileage      *float64   `json:"mileage_km"`
	DatePosted   *time.Time `json:"date_posted"`
	ImageURL     string     `json:"image_url"`
	SourceURL    string     `json:"source_url"`
	URL          string     `json:"url"`
	ScrapedAt    time.Time  `json:"scraped_at"`
}

// QueryRequest is a free-text search over the listing catalog.
type QueryRequest struct {
	Query  string `json:"query"`
	TopK   int    `json:"top_k"`
	UserID *int64 `json:"user_id,omitempty"`
}

// Candidate is a retrieved listing after ranking. Listing is the
// cross-referenced relational record, nil when the store lags the index.
type Candidate struct {
	ID       int64          `json:"id"`
	Distance float64        `json:"distance"`
	Metadata Metadata       `json:"metadata"`
	Listing  *ListingRecord `json:"-"`
}

// DisplayMetadata is the per-listing projection returned to callers.
type DisplayMetadata struct {
	Title      *string  `json:"title"`
	URL        *string  `json:"url"`
	Price      *float64 `json:"price"`
	Mileage    *float64 `json:"mileage"`
	DatePosted *string  `json:"date_posted"`
	ImageURL   *string  `json:"image_url"`
}

// ConversationEntry is one completed search exchange for a logged-in user.
type ConversationEntry struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// DateLayout is how posting dates are rendered to users and prompts.
const DateLayout = "02.01.2006"

const titleRunes = 50

// ConversationTitle derives a conversation title from the query text.
func ConversationTitle(query string) string {
	r := []rune(query)
	if len(r) > titleRunes {
		r = r[:titleRunes]
	}
	return string(r)
}

// NewDisplayMetadata projects a candidate for display. Title, price and
// mileage come from the index metadata; links and the posting date only
// exist on the relational record.
func NewDisplayMetadata(c Candidate) DisplayMetadata {
	var d DisplayMetadata
	if s, ok := c.Metadata.String(MetaTitle); ok && s != "" {
		d.Title = &s
	}
	if v, ok := c.Metadata.Known(MetaPrice); ok {
		d.Price = &v
	}
	if v, ok := c.Metadata.Known(MetaMileage); ok {
		d.Mileage = &v
	}
	if l := c.Listing; l != nil {
		if d.Title == nil && l.Title != "" {
			t := l.Title
			d.Title = &t
		}
		if l.URL != "" {
			u := l.URL
			d.URL = &u
		}
		if l.ImageURL != "" {
			u := l.ImageURL
			d.ImageURL = &u
		}
		if l.DatePosted != nil {
			s := l.DatePosted.Format(DateLayout)
			d.DatePosted = &s
		}
	}
	return d
}
