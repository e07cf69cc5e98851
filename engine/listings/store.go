// Package listings is the relational store of vehicle listings and user
// conversations, backed by gorm.
package listings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/WessleyAI/carsearch/engine/domain"
	"github.com/WessleyAI/carsearch/pkg/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a listing does not exist.
var ErrNotFound = domain.ErrListingNotFound

// DefaultListLimit applies when List is called without a positive limit.
const DefaultListLimit = 50

const (
	noTitle          = "(No title)"
	maxConversations = 1000
)

type carRow struct {
	ID           int64      `gorm:"primaryKey"`
	ImageURL     string     `gorm:"column:image_url;size:500"`
	Title        string     `gorm:"size:300"`
	URL          string     `gorm:"column:url;size:500"`
	SourceURL    string     `gorm:"column:source_url;size:500"`
	Make         string     `gorm:"size:100"`
	Model        string     `gorm:"size:100"`
	City         string     `gorm:"size:100"`
	Municipality string     `gorm:"size:100"`
	PriceNum     *float64   `gorm:"column:price_num"`
	Year         *int       `gorm:"column:year"`
	MileageKm    *float64   `gorm:"column:mileage_km"`
	DatePosted   *time.Time `gorm:"column:date_posted"`
	ScrapedAt    time.Time  `gorm:"column:scraped_at;autoCreateTime"`
}

func (carRow) TableName() string { return "cars" }

func (r carRow) record() domain.ListingRecord {
	return domain.ListingRecord{
		ID:           r.ID,
		Title:        r.Title,
		Make:         r.Make,
		Model:        r.Model,
		City:         r.City,
		Municipality: r.Municipality,
		Year:         r.Year,
		Price:        r.PriceNum,
		Mileage:      r.MileageKm,
		DatePosted:   r.DatePosted,
		ImageURL:     r.ImageURL,
		SourceURL:    r.SourceURL,
		URL:          r.URL,
		ScrapedAt:    r.ScrapedAt,
	}
}

func newCarRow(l domain.ListingRecord) carRow {
	return carRow{
		ID:           l.ID,
		ImageURL:     l.ImageURL,
		Title:        l.Title,
		URL:          l.URL,
		SourceURL:    l.SourceURL,
		Make:         l.Make,
		Model:        l.Model,
		City:         l.City,
		Municipality: l.Municipality,
		PriceNum:     l.Price,
		Year:         l.Year,
		MileageKm:    l.Mileage,
		DatePosted:   l.DatePosted,
		ScrapedAt:    l.ScrapedAt,
	}
}

type chatRow struct {
	ID        int64     `gorm:"primaryKey"`
	UserID    int64     `gorm:"column:user_id;index"`
	Title     string    `gorm:"size:200"`
	Message   string    `gorm:"type:text"`
	Answer    string    `gorm:"type:text"`
	Timestamp time.Time `gorm:"column:timestamp"`
}

func (chatRow) TableName() string { return "chats" }

func (r chatRow) entry() domain.ConversationEntry {
	return domain.ConversationEntry{
		ID:        r.ID,
		UserID:    r.UserID,
		Title:     r.Title,
		Message:   r.Message,
		Answer:    r.Answer,
		Timestamp: r.Timestamp,
	}
}

// Store reads listings and appends conversations.
type Store struct {
	cars  *repo.GormRepo[carRow, int64]
	chats *repo.GormRepo[chatRow, int64]
}

// Open connects to PostgreSQL.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("listings: open: %w", err)
	}
	return New(db), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{
		cars:  repo.NewGormRepo[carRow, int64](db, repo.WithOrder[carRow, int64]("price_num IS NULL, price_num ASC, id ASC")),
		chats: repo.NewGormRepo[chatRow, int64](db, repo.WithOrder[chatRow, int64]("timestamp DESC, id DESC")),
	}
}

// Migrate creates or updates the cars and chats tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.cars.DB(ctx).AutoMigrate(&carRow{}, &chatRow{}); err != nil {
		return fmt.Errorf("listings: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	db, err := s.cars.DB(context.Background()).DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.cars.DB(ctx).DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Get returns one listing.
func (s *Store) Get(ctx context.Context, id int64) (domain.ListingRecord, error) {
	row, err := s.cars.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ListingRecord{}, fmt.Errorf("listings: get %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.ListingRecord{}, fmt.Errorf("listings: get %d: %w", id, err)
	}
	return row.record(), nil
}

// GetByIDs returns the listings for ids in the order of ids. Unknown ids are
// skipped, so the result may be shorter than ids.
func (s *Store) GetByIDs(ctx context.Context, ids []int64) ([]domain.ListingRecord, error) {
	rows, err := s.cars.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("listings: get by ids: %w", err)
	}
	byID := make(map[int64]carRow, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	out := make([]domain.ListingRecord, 0, len(rows))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r.record())
		}
	}
	return out, nil
}

// List returns up to limit listings, cheapest first, unpriced last.
func (s *Store) List(ctx context.Context, limit int) ([]domain.ListingRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.cars.List(ctx, repo.ListOpts{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("listings: list: %w", err)
	}
	return records(rows), nil
}

// Batch returns listings ordered by id, for sequential scans.
func (s *Store) Batch(ctx context.Context, offset, limit int) ([]domain.ListingRecord, error) {
	rows, err := s.cars.List(ctx, repo.ListOpts{Offset: offset, Limit: limit, OrderBy: "id ASC"})
	if err != nil {
		return nil, fmt.Errorf("listings: batch at %d: %w", offset, err)
	}
	return records(rows), nil
}

// Count returns the number of stored listings.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.cars.DB(ctx).Model(&carRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("listings: count: %w", err)
	}
	return n, nil
}

// Insert stores listings. Used by fixtures and the catalog loader.
func (s *Store) Insert(ctx context.Context, ls ...domain.ListingRecord) error {
	for _, l := range ls {
		if _, err := s.cars.Create(ctx, newCarRow(l)); err != nil {
			return fmt.Errorf("listings: insert %d: %w", l.ID, err)
		}
	}
	return nil
}

// AppendConversation stores an entry and returns its id. A zero timestamp is
// set to now.
func (s *Store) AppendConversation(ctx context.Context, e domain.ConversationEntry) (int64, error) {
	if e.UserID <= 0 {
		return 0, fmt.Errorf("listings: append conversation: %w", domain.ErrInvalidUserID)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	row, err := s.chats.Create(ctx, chatRow{
		UserID:    e.UserID,
		Title:     e.Title,
		Message:   e.Message,
		Answer:    e.Answer,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		return 0, fmt.Errorf("listings: append conversation: %w", err)
	}
	return row.ID, nil
}

// Record implements the search pipeline's recorder.
func (s *Store) Record(ctx context.Context, e domain.ConversationEntry) error {
	_, err := s.AppendConversation(ctx, e)
	return err
}

// Conversations returns a user's entries, newest first. Untitled entries are
// titled from their message.
func (s *Store) Conversations(ctx context.Context, userID int64) ([]domain.ConversationEntry, error) {
	rows, err := s.chats.List(ctx, repo.ListOpts{Filter: map[string]any{"user_id": userID}, Limit: maxConversations})
	if err != nil {
		return nil, fmt.Errorf("listings: conversations of %d: %w", userID, err)
	}
	out := make([]domain.ConversationEntry, len(rows))
	for i, r := range rows {
		e := r.entry()
		if strings.TrimSpace(e.Title) == "" {
			e.Title = fallbackTitle(e.Message)
		}
		out[i] = e
	}
	return out, nil
}

func fallbackTitle(message string) string {
	if message == "" {
		return noTitle
	}
	r := []rune(message)
	if len(r) > 30 {
		r = r[:30]
	}
	return string(r)
}

func records(rows []carRow) []domain.ListingRecord {
	out := make([]domain.ListingRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out
}
