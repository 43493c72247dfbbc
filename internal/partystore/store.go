// Package partystore persists parties and their members in Postgres so a
// returning client can rejoin with the same id, nickname and dietary
// constraints.
package partystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/spinparty/internal/spin"
)

var ErrNotFound = errors.New("not found")
var ErrCodeTaken = errors.New("room code taken")

const uniqueViolation = "23505"

type Party struct {
	gorm.Model
	Code      string   `gorm:"size:6;uniqueIndex;not null"`
	CreatorID string   `gorm:"size:64;not null"`
	Members   []Member `gorm:"foreignKey:PartyID"`
}

type Member struct {
	gorm.Model
	PartyID   uint     `gorm:"not null;uniqueIndex:idx_party_member"`
	MemberID  string   `gorm:"size:64;not null;uniqueIndex:idx_party_member"`
	Nickname  string   `gorm:"size:64"`
	Creator   bool     `gorm:"not null;default:false"`
	Tags      []string `gorm:"serializer:json"`
	Allergens []string `gorm:"serializer:json"`
}

// Profile is what a session needs to rejoin a party as a known member.
type Profile struct {
	Code        string
	ClientID    string
	Nickname    string
	Creator     bool
	Constraints spin.Constraints
}

type Store struct {
	db *gorm.DB
}

// Open connects to Postgres at dsn. Gorm's own logging goes to log at debug.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.New(gormWriter{log.Sugar()}, logger.Config{LogLevel: logger.Warn, IgnoreRecordNotFoundError: true}),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open party store: %w", err)
	}
	return New(db), nil
}

func New(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Party{}, &Member{})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateParty records a new party with creator as its first member.
func (s *Store) CreateParty(ctx context.Context, creator Profile) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p := Party{Code: creator.Code, CreatorID: creator.ClientID}
		if err := tx.Create(&p).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrCodeTaken, creator.Code)
			}
			return fmt.Errorf("create party %s: %w", creator.Code, err)
		}
		creator.Creator = true
		m := toMember(p.ID, creator)
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("create creator %s: %w", creator.ClientID, err)
		}
		return nil
	})
}

// SaveMember inserts or updates p in its party.
func (s *Store) SaveMember(ctx context.Context, p Profile) error {
	party, err := s.party(ctx, p.Code)
	if err != nil {
		return err
	}
	m := toMember(party.ID, p)
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "party_id"}, {Name: "member_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"nickname", "tags", "allergens", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("save member %s: %w", p.ClientID, err)
	}
	return nil
}

func (s *Store) Member(ctx context.Context, code, memberID string) (Profile, error) {
	var m Member
	err := s.db.WithContext(ctx).
		Joins("JOIN parties ON parties.id = members.party_id AND parties.deleted_at IS NULL").
		Where("parties.code = ? AND members.member_id = ?", code, memberID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, fmt.Errorf("%w: member %s in %s", ErrNotFound, memberID, code)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("load member %s: %w", memberID, err)
	}
	return toProfile(code, m), nil
}

// Members lists a party's members, creator first.
func (s *Store) Members(ctx context.Context, code string) ([]Profile, error) {
	party, err := s.party(ctx, code)
	if err != nil {
		return nil, err
	}
	var ms []Member
	if err := s.db.WithContext(ctx).
		Where("party_id = ?", party.ID).
		Order("creator DESC").Order("member_id").
		Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("list members of %s: %w", code, err)
	}
	out := make([]Profile, 0, len(ms))
	for _, m := range ms {
		out = append(out, toProfile(code, m))
	}
	return out, nil
}

func (s *Store) party(ctx context.Context, code string) (Party, error) {
	var p Party
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Party{}, fmt.Errorf("%w: party %s", ErrNotFound, code)
	}
	if err != nil {
		return Party{}, fmt.Errorf("load party %s: %w", code, err)
	}
	return p, nil
}

func toMember(partyID uint, p Profile) Member {
	return Member{
		PartyID:   partyID,
		MemberID:  p.ClientID,
		Nickname:  p.Nickname,
		Creator:   p.Creator,
		Tags:      p.Constraints.Tags,
		Allergens: p.Constraints.Allergens,
	}
}

func toProfile(code string, m Member) Profile {
	return Profile{
		Code:     code,
		ClientID: m.MemberID,
		Nickname: m.Nickname,
		Creator:  m.Creator,
		Constraints: spin.Constraints{
			Tags:      m.Tags,
			Allergens: m.Allergens,
		},
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type gormWriter struct{ s *zap.SugaredLogger }

func (w gormWriter) Printf(format string, args ...any) { w.s.Debugf(format, args...) }
