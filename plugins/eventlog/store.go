package eventlog

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/gosette/gosette/pkg/database"
	"github.com/gosette/gosette/pkg/events"
	"github.com/gosette/gosette/pkg/web"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// JSONMap is a map stored as a JSON text column.
type JSONMap map[string]any

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
	return json.Unmarshal(b, m)
}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Record is one persisted event.
type Record struct {
	ID         string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Name       string    `gorm:"column:name;index:idx_events_name_time,priority:1;not null"`
	ActorID    string    `gorm:"column:actor_id;index:idx_events_actor_time,priority:1"`
	Actor      JSONMap   `gorm:"column:actor;type:text"`
	Properties JSONMap   `gorm:"column:properties;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at;index:idx_events_name_time,priority:2;index:idx_events_actor_time,priority:2;index:idx_events_time;autoCreateTime"`
}

// TableName returns the GORM table name.
func (Record) TableName() string { return "gosette_events" }

// Event converts the record back to an event.
func (r Record) Event() events.Event {
	return events.Event{
		ID:         r.ID,
		Name:       r.Name,
		Actor:      web.Actor(r.Actor),
		Properties: map[string]any(r.Properties),
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Name      string
	ActorID   string
	PageSize  int
	PageToken string
}

// Store is an append-only event table in a database, normally the
// internal one.
type Store struct {
	db *database.Database
}

// NewStore wraps db. Call Migrate before use.
func NewStore(db *database.Database) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the events table.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecuteWriteFn(ctx, func(tx *gorm.DB) (any, error) {
		return nil, tx.AutoMigrate(&Record{})
	})
	if err != nil {
		return fmt.Errorf("migrate events table: %w", err)
	}
	return nil
}

// Append stores e.
func (s *Store) Append(ctx context.Context, e events.Event) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	rec := &Record{
		ID:         e.ID,
		Name:       e.Name,
		ActorID:    e.Actor.ID(),
		Actor:      JSONMap(e.Actor),
		Properties: JSONMap(e.Properties),
		CreatedAt:  created.UTC(),
	}
	_, err := s.db.ExecuteWriteFn(ctx, func(tx *gorm.DB) (any, error) {
		return nil, tx.Create(rec).Error
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// List returns events newest first. pageToken is the RFC3339Nano
// created_at of the last event on the previous page.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, string, int, error) {
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	scope := func(q *gorm.DB) *gorm.DB {
		if f.Name != "" {
			q = q.Where("name = ?", f.Name)
		}
		if f.ActorID != "" {
			q = q.Where("actor_id = ?", f.ActorID)
		}
		return q
	}
	gdb := s.db.Gorm().WithContext(ctx)

	var total int64
	if err := scope(gdb.Model(&Record{})).Count(&total).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count events: %w", err)
	}

	query := scope(gdb.Order("created_at DESC").Limit(pageSize + 1))
	if f.PageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, f.PageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t.UTC())
	}

	var records []Record
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list events: %w", err)
	}

	var next string
	if len(records) > pageSize {
		next = records[pageSize-1].CreatedAt.UTC().Format(time.RFC3339Nano)
		records = records[:pageSize]
	}
	return records, next, int(total), nil
}

// DeleteOlderThan removes events created before cutoff and returns how many
// were deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	out, err := s.db.ExecuteWriteFn(ctx, func(tx *gorm.DB) (any, error) {
		res := tx.Where("created_at < ?", cutoff.UTC()).Delete(&Record{})
		return res.RowsAffected, res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return out.(int64), nil
}

// Get returns the event with id, or nil when there is none.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.Gorm().WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &rec, nil
}
