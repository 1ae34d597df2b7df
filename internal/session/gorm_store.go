package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const queryBrowserID = "browser_id = ?"

// EntryRecord is the SQL row backing an Entry.
type EntryRecord struct {
	BrowserID    string    `gorm:"column:browser_id;primaryKey;size:64;not null"`
	SubjectID    string    `gorm:"column:subject_id;size:190"`
	Email        string    `gorm:"column:email;size:320;not null"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	Role         string    `gorm:"column:role;size:16;not null"`
	Status       string    `gorm:"column:status;size:16;not null"`
	AvatarURL    string    `gorm:"column:avatar_url;size:512"`
	CoverURL     string    `gorm:"column:cover_url;size:512"`
	Provenance   string    `gorm:"column:provenance;size:32"`
	SessionToken string    `gorm:"column:session_token;size:2048"`
	Provisional  bool      `gorm:"column:provisional;not null;default:false"`
	Generation   string    `gorm:"column:generation;size:64"`
	Sequence     uint64    `gorm:"column:sequence;not null;default:0"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing session entries.
func (EntryRecord) TableName() string {
	return "session_entries"
}

// FlagRecord is a raised pending flag.
type FlagRecord struct {
	BrowserID string    `gorm:"column:browser_id;primaryKey;size:64;not null"`
	Flag      string    `gorm:"column:flag;primaryKey;size:64;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing pending flags.
func (FlagRecord) TableName() string {
	return "session_flags"
}

// Models lists the gorm models the store needs migrated.
func Models() []interface{} {
	return []interface{}{&EntryRecord{}, &FlagRecord{}}
}

// GormStore persists entries through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an already migrated database handle.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("session: database connection required")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Load(ctx context.Context, browserID string) (Entry, bool, error) {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return Entry{}, false, err
	}
	var record EntryRecord
	err = s.db.WithContext(ctx).Where(queryBrowserID, key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return record.entry(), true, nil
}

// Put upserts every column so no value from a previous entry survives.
func (s *GormStore) Put(ctx context.Context, browserID string, entry Entry) error {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return err
	}
	record := newEntryRecord(key, entry)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "browser_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
}

func (s *GormStore) Clear(ctx context.Context, browserID string) error {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryBrowserID, key).Delete(&EntryRecord{}).Error; err != nil {
			return err
		}
		return tx.Where(queryBrowserID, key).Delete(&FlagRecord{}).Error
	})
}

func (s *GormStore) SetFlag(ctx context.Context, browserID string, flag Flag) error {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return err
	}
	if _, err := ParseFlag(string(flag)); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&FlagRecord{BrowserID: key, Flag: string(flag)}).Error
}

func (s *GormStore) TakeFlags(ctx context.Context, browserID string) (identity.PendingFlags, error) {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return identity.PendingFlags{}, err
	}
	var flags identity.PendingFlags
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var records []FlagRecord
		if err := tx.Where(queryBrowserID, key).Find(&records).Error; err != nil {
			return err
		}
		for _, record := range records {
			applyFlag(&flags, Flag(record.Flag))
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Where(queryBrowserID, key).Delete(&FlagRecord{}).Error
	})
	if err != nil {
		return identity.PendingFlags{}, err
	}
	return flags, nil
}

func (s *GormStore) ClearFlags(ctx context.Context, browserID string) error {
	key, err := normalizeBrowserID(browserID)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where(queryBrowserID, key).Delete(&FlagRecord{}).Error
}

func newEntryRecord(browserID string, entry Entry) EntryRecord {
	snapshot := entry.Snapshot
	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return EntryRecord{
		BrowserID:    browserID,
		SubjectID:    snapshot.SubjectID,
		Email:        snapshot.Email,
		DisplayName:  snapshot.DisplayName,
		Role:         string(snapshot.Role),
		Status:       string(snapshot.Status),
		AvatarURL:    snapshot.AvatarURL,
		CoverURL:     snapshot.CoverURL,
		Provenance:   string(snapshot.Provenance),
		SessionToken: entry.SessionToken,
		Provisional:  entry.Provisional,
		Generation:   entry.Generation,
		Sequence:     entry.Sequence,
		UpdatedAt:    updatedAt,
	}
}

func (r EntryRecord) entry() Entry {
	return Entry{
		Snapshot: identity.Snapshot{
			SubjectID:   r.SubjectID,
			Email:       r.Email,
			DisplayName: r.DisplayName,
			Role:        identity.Role(r.Role),
			Status:      identity.Status(r.Status),
			AvatarURL:   r.AvatarURL,
			CoverURL:    r.CoverURL,
			Provenance:  identity.Provenance(r.Provenance),
		},
		SessionToken: r.SessionToken,
		Provisional:  r.Provisional,
		Generation:   r.Generation,
		Sequence:     r.Sequence,
		UpdatedAt:    r.UpdatedAt,
	}
}
