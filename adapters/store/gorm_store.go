package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore is a relational implementation of ports.Store. Compare-and-set
// operations are conditional UPDATE statements checked by affected rows.
type GormStore struct {
	db *gorm.DB
}

var _ ports.Store = (*GormStore)(nil)

// NewGormStore wraps an open connection. The connection should be opened
// with TranslateError so unique violations surface as gorm.ErrDuplicatedKey.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// OpenPostgres opens a Postgres connection configured for NewGormStore
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	return db, nil
}

// Migrate creates or updates every table the store uses
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&appModel{},
		&consentModel{},
		&authRequestModel{},
		&credentialModel{},
		&paymentModel{},
	)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return core.ErrRecordNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return core.ErrDuplicate
	}
	return err
}

// compareAndSet runs a conditional update and tells a lost race apart from a
// missing row.
func (s *GormStore) compareAndSet(ctx context.Context, model any, id string, column string, expected string, values any) error {
	res := s.db.WithContext(ctx).
		Model(model).
		Where("id = ? AND "+column+" = ?", id, expected).
		Select("*").
		Omit("id", "created_at").
		Updates(values)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return translate(err)
	}
	if count == 0 {
		return core.ErrRecordNotFound
	}
	return core.ErrConflict
}

// Apps

func (s *GormStore) CreateApp(ctx context.Context, app *core.ThirdPartyApp) error {
	return translate(s.db.WithContext(ctx).Create(appToModel(app)).Error)
}

func (s *GormStore) GetApp(ctx context.Context, id string) (*core.ThirdPartyApp, error) {
	var m appModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return m.toCore(), nil
}

func (s *GormStore) ListAppsByDeveloper(ctx context.Context, developerID string) ([]*core.ThirdPartyApp, error) {
	var rows []appModel
	if err := s.db.WithContext(ctx).Where("developer_id = ?", developerID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	out := make([]*core.ThirdPartyApp, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toCore())
	}
	return out, nil
}

func (s *GormStore) UpdateApp(ctx context.Context, app *core.ThirdPartyApp) error {
	res := s.db.WithContext(ctx).
		Model(&appModel{}).
		Where("id = ?", app.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(appToModel(app))
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrRecordNotFound
	}
	return nil
}

// Consents

func (s *GormStore) CreateConsent(ctx context.Context, c *core.Consent) error {
	return translate(s.db.WithContext(ctx).Create(consentToModel(c)).Error)
}

func (s *GormStore) GetConsent(ctx context.Context, id string) (*core.Consent, error) {
	var m consentModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return m.toCore(), nil
}

func (s *GormStore) ListConsentsByUser(ctx context.Context, userID string) ([]*core.Consent, error) {
	var rows []consentModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	out := make([]*core.Consent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toCore())
	}
	return out, nil
}

func (s *GormStore) UpdateConsent(ctx context.Context, c *core.Consent, expected core.ConsentStatus) error {
	return s.compareAndSet(ctx, &consentModel{}, c.ID, "status", string(expected), consentToModel(c))
}

func (s *GormStore) ListLapsedConsents(ctx context.Context, now time.Time, limit int) ([]*core.Consent, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND valid_until <= ?", string(core.ConsentStatusAuthorized), now).
		Order("valid_until")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []consentModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	out := make([]*core.Consent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toCore())
	}
	return out, nil
}

// Authorization requests

func (s *GormStore) CreateAuthRequest(ctx context.Context, r *core.AuthorizationRequest) error {
	return translate(s.db.WithContext(ctx).Create(authRequestToModel(r)).Error)
}

func (s *GormStore) GetAuthRequest(ctx context.Context, id string) (*core.AuthorizationRequest, error) {
	var m authRequestModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return m.toCore(), nil
}

func (s *GormStore) UpdateAuthRequest(ctx context.Context, r *core.AuthorizationRequest, expected core.AuthRequestStage) error {
	return s.compareAndSet(ctx, &authRequestModel{}, r.ID, "stage", string(expected), authRequestToModel(r))
}

func (s *GormStore) DeleteExpiredAuthRequests(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", before).Delete(&authRequestModel{})
	return int(res.RowsAffected), translate(res.Error)
}

// Credentials

func (s *GormStore) InsertCredentials(ctx context.Context, creds ...*core.Credential) error {
	if len(creds) == 0 {
		return nil
	}
	rows := make([]*credentialModel, 0, len(creds))
	for _, c := range creds {
		rows = append(rows, credentialToModel(c))
	}
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	}))
}

func (s *GormStore) GetCredential(ctx context.Context, id string) (*core.Credential, error) {
	var m credentialModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return m.toCore(), nil
}

func (s *GormStore) GetCredentialByHash(ctx context.Context, hash string) (*core.Credential, error) {
	var m credentialModel
	if err := s.db.WithContext(ctx).First(&m, "hash = ?", hash).Error; err != nil {
		return nil, translate(err)
	}
	return m.toCore(), nil
}

func (s *GormStore) ConsumeCode(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&credentialModel{}).
		Where("id = ? AND type = ? AND consumed = ?", id, string(core.CredentialAuthorizationCode), false).
		Updates(map[string]any{"consumed": true, "consumed_at": at})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.GetCredential(ctx, id); err != nil {
		return err
	}
	return core.ErrAlreadyConsumed
}

func (s *GormStore) RevokeCredential(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&credentialModel{}).
		Where("id = ? AND revoked = ?", id, false).
		Updates(map[string]any{"revoked": true, "revoked_at": at})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.GetCredential(ctx, id); err != nil {
		return err
	}
	return core.ErrConflict
}

func (s *GormStore) RevokeByParent(ctx context.Context, parentID string, at time.Time) (int, error) {
	return s.revokeWhere(ctx, "parent_id", parentID, at)
}

func (s *GormStore) RevokeByGrant(ctx context.Context, grantID string, at time.Time) (int, error) {
	return s.revokeWhere(ctx, "grant_id", grantID, at)
}

func (s *GormStore) revokeWhere(ctx context.Context, column, value string, at time.Time) (int, error) {
	if value == "" {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&credentialModel{}).
		Where(column+" = ? AND revoked = ?", value, false).
		Updates(map[string]any{"revoked": true, "revoked_at": at})
	return int(res.RowsAffected), translate(res.Error)
}

func (s *GormStore) DeleteExpiredCredentials(ctx context.Context, before time.Time) (int, error) {
	code := string(core.CredentialAuthorizationCode)
	n := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("type <> ? AND expires_at < ?", code, before).Delete(&credentialModel{})
		if res.Error != nil {
			return res.Error
		}
		n += int(res.RowsAffected)

		// codes are kept while a credential of their grant remains
		issued := tx.Model(&credentialModel{}).Select("grant_id").Where("type <> ? AND grant_id <> ''", code)
		res = tx.Where("type = ? AND expires_at < ? AND id NOT IN (?)", code, before, issued).Delete(&credentialModel{})
		if res.Error != nil {
			return res.Error
		}
		n += int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

// Payments

func (s *GormStore) CreatePayment(ctx context.Context, p *core.Payment) error {
	return translate(s.db.WithContext(ctx).Create(paymentToModel(p)).Error)
}

func (s *GormStore) GetPayment(ctx context.Context, id string) (*core.Payment, error) {
	var m paymentModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return m.toCore(), nil
}

func (s *GormStore) UpdatePayment(ctx context.Context, p *core.Payment, expected core.PaymentStatus) error {
	return s.compareAndSet(ctx, &paymentModel{}, p.ID, "status", string(expected), paymentToModel(p))
}
