package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidProfile indicates a profile without a subject id or email.
var ErrInvalidProfile = errors.New("profiles: invalid profile")

// Record is the SQL row of an authoritative profile. Role and Status are
// nullable: NULL means "not recorded".
type Record struct {
	SubjectID   string    `gorm:"column:subject_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:email;size:320;index"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Role        *string   `gorm:"column:role;size:16"`
	Status      *string   `gorm:"column:status;size:16"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	CoverURL    string    `gorm:"column:cover_url;size:512"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing profiles.
func (Record) TableName() string {
	return "profiles"
}

func (r Record) profile() identity.Profile {
	profile := identity.Profile{
		SubjectID:   r.SubjectID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		AvatarURL:   r.AvatarURL,
		CoverURL:    r.CoverURL,
	}
	if r.Role != nil {
		profile.Role = identity.ParseRole(*r.Role)
	}
	if r.Status != nil {
		profile.Status = identity.ParseStatus(*r.Status)
	}
	return profile
}

// StoreResolverConfig describes the dependencies of the database-backed resolver.
type StoreResolverConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// StoreResolver reads profiles from a gorm database shared with the backend of record.
type StoreResolver struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStoreResolver constructs the resolver. The profiles table must already be migrated.
func NewStoreResolver(cfg StoreResolverConfig) (*StoreResolver, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("profiles: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreResolver{db: cfg.Database, logger: logger}, nil
}

// Resolve fetches the profile, preferring the subject id.
func (s *StoreResolver) Resolve(ctx context.Context, lookup Lookup) Resolution {
	return resolve(ctx, s, lookup, s.logger)
}

// Upsert writes a profile row. Empty role or status are stored as NULL.
func (s *StoreResolver) Upsert(ctx context.Context, profile identity.Profile) error {
	subjectID := strings.TrimSpace(profile.SubjectID)
	if subjectID == "" {
		return ErrInvalidProfile
	}
	record := Record{
		SubjectID:   subjectID,
		Email:       strings.ToLower(strings.TrimSpace(profile.Email)),
		DisplayName: strings.TrimSpace(profile.DisplayName),
		AvatarURL:   strings.TrimSpace(profile.AvatarURL),
		CoverURL:    strings.TrimSpace(profile.CoverURL),
	}
	if role := identity.ParseRole(string(profile.Role)); role != "" {
		value := string(role)
		record.Role = &value
	}
	if status := identity.ParseStatus(string(profile.Status)); status != "" {
		value := string(status)
		record.Status = &value
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "subject_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"email", "display_name", "role", "status", "avatar_url", "cover_url", "updated_at",
			}),
		}).
		Create(&record).Error
}

func (s *StoreResolver) fetchBySubject(ctx context.Context, subjectID string) (identity.Profile, error) {
	return s.take(ctx, "subject_id = ?", subjectID)
}

func (s *StoreResolver) fetchByEmail(ctx context.Context, email string) (identity.Profile, error) {
	return s.take(ctx, "email = ?", strings.ToLower(email))
}

func (s *StoreResolver) take(ctx context.Context, query string, value string) (identity.Profile, error) {
	var record Record
	err := s.db.WithContext(ctx).Where(query, value).Order("updated_at DESC").Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return identity.Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return identity.Profile{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return record.profile(), nil
}
