package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
)

// sessionRow is the sessions table.
type sessionRow struct {
	ID              string   `gorm:"primaryKey;size:128"`
	BoardPath       string   `gorm:"size:255;not null"`
	Name            string   `gorm:"size:255"`
	CreatedByUserID string   `gorm:"size:128;index"`
	Discoverable    bool     `gorm:"index"`
	Latitude        *float64 `gorm:"index:idx_sessions_location"`
	Longitude       *float64 `gorm:"index:idx_sessions_location"`
	Queue           string   `gorm:"type:text;not null"`
	CurrentClimb    string   `gorm:"type:text"`
	Version         int64    `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time `gorm:"index"`
}

func (sessionRow) TableName() string { return "sessions" }

// GormStore keeps sessions in a relational database through gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the sessions table.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&sessionRow{}); err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}
	return nil
}

func (s *GormStore) Create(ctx context.Context, rec Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return fmt.Errorf("create session %s: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Validation("session %s already exists", rec.ID)
	}
	return nil
}

func (s *GormStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	q, cur, err := encodeState(snap.State)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	row := sessionRow{
		ID:           snap.SessionID,
		BoardPath:    snap.BoardPath,
		Queue:        q,
		CurrentClimb: cur,
		Version:      snap.State.Version,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"queue", "current_climb", "version", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "sessions.version < excluded.version"},
		}},
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save snapshot of %s: %w", snap.SessionID, err)
	}
	return nil
}

func (s *GormStore) Load(ctx context.Context, sessionID string) (*Record, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	rec, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) FindNearby(ctx context.Context, lat, lon, radiusMeters float64, since time.Time, limit int) ([]NearbySession, error) {
	minLat, maxLat, minLon, maxLon, wraps := boundingBox(lat, lon, radiusMeters)

	q := s.db.WithContext(ctx).
		Where("discoverable = ?", true).
		Where("latitude BETWEEN ? AND ?", minLat, maxLat).
		Where("updated_at >= ?", since.UTC())
	if !wraps {
		q = q.Where("longitude BETWEEN ? AND ?", minLon, maxLon)
	}

	var rows []sessionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find nearby sessions: %w", err)
	}
	recs, err := fromRows(rows)
	if err != nil {
		return nil, err
	}
	return rankNearby(recs, lat, lon, radiusMeters, limit), nil
}

func (s *GormStore) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	q := s.db.WithContext(ctx).
		Where("created_by_user_id = ?", userID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []sessionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions of %s: %w", userID, err)
	}
	return fromRows(rows)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func toRow(rec Record) (sessionRow, error) {
	q, cur, err := encodeState(rec.State)
	if err != nil {
		return sessionRow{}, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	return sessionRow{
		ID:              rec.ID,
		BoardPath:       rec.BoardPath,
		Name:            rec.Name,
		CreatedByUserID: rec.CreatedByUserID,
		Discoverable:    rec.Discoverable,
		Latitude:        rec.Latitude,
		Longitude:       rec.Longitude,
		Queue:           q,
		CurrentClimb:    cur,
		Version:         rec.State.Version,
		CreatedAt:       rec.CreatedAt.UTC(),
		UpdatedAt:       rec.UpdatedAt.UTC(),
	}, nil
}

func fromRow(row sessionRow) (Record, error) {
	st := queue.State{Queue: []queue.Item{}, Version: row.Version}
	if row.Queue != "" {
		if err := json.Unmarshal([]byte(row.Queue), &st.Queue); err != nil {
			return Record{}, fmt.Errorf("decode queue of %s: %w", row.ID, err)
		}
	}
	if row.CurrentClimb != "" && row.CurrentClimb != "null" {
		var item queue.Item
		if err := json.Unmarshal([]byte(row.CurrentClimb), &item); err != nil {
			return Record{}, fmt.Errorf("decode current climb of %s: %w", row.ID, err)
		}
		st.CurrentClimbQueueItem = &item
	}
	return Record{
		ID:              row.ID,
		BoardPath:       row.BoardPath,
		Name:            row.Name,
		CreatedByUserID: row.CreatedByUserID,
		Discoverable:    row.Discoverable,
		Latitude:        row.Latitude,
		Longitude:       row.Longitude,
		State:           st,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

func fromRows(rows []sessionRow) ([]Record, error) {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func encodeState(st queue.State) (string, string, error) {
	items := st.Queue
	if items == nil {
		items = []queue.Item{}
	}
	q, err := json.Marshal(items)
	if err != nil {
		return "", "", fmt.Errorf("encode queue: %w", err)
	}
	cur := ""
	if st.CurrentClimbQueueItem != nil {
		b, err := json.Marshal(st.CurrentClimbQueueItem)
		if err != nil {
			return "", "", fmt.Errorf("encode current climb: %w", err)
		}
		cur = string(b)
	}
	return string(q), cur, nil
}
