// Package sqlstore is the postgres adapter for store.Store, built on gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"postbox/pkg/store"
	"postbox/pkg/types"
)

type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to postgres, verifies the connection and migrates the
// schema.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s, err := New(db, logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&itemModel{}, &serverModel{}, &outboxModel{}, &inboxModel{}); err != nil {
		return nil, fmt.Errorf("migrate postbox schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) logError(op string, err error, fields ...zap.Field) error {
	s.logger.Error("SQL store operation failed", append([]zap.Field{zap.String("op", op), zap.Error(err)}, fields...)...)
	return err
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

//==============================================================================
// Queue

func (s *Store) InsertItem(ctx context.Context, item *types.DeliveryItem) (*types.DeliveryItem, bool, error) {
	row := itemModelFromEntity(item)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server_id"}, {Name: "post_uri_id"}, {Name: "command"}, {Name: "contact_id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return nil, false, s.logError("insert_item", res.Error, zap.String("item_id", item.ID))
	}
	if res.RowsAffected > 0 {
		return store.CloneItem(item), true, nil
	}

	var existing itemModel
	err := s.db.WithContext(ctx).
		Where("server_id = ? AND post_uri_id = ? AND command = ? AND contact_id = ?",
			string(item.ServerID), int64(item.PostURIID), string(item.Command), int64(item.ContactID)).
		First(&existing).
		Error
	if err != nil {
		return nil, false, s.logError("insert_item_lookup", err, zap.String("server_id", string(item.ServerID)))
	}
	return existing.toEntity(), false, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (*types.DeliveryItem, error) {
	var row itemModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return row.toEntity(), nil
}

func (s *Store) UpdateItem(ctx context.Context, item *types.DeliveryItem) error {
	row := itemModelFromEntity(item)
	res := s.db.WithContext(ctx).Model(&itemModel{}).Where("id = ?", item.ID).Updates(map[string]any{
		"failed":       row.Failed,
		"next_attempt": row.NextAttempt,
		"last_error":   row.LastError,
	})
	if res.Error != nil {
		return s.logError("update_item", res.Error, zap.String("item_id", item.ID))
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteItem(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&itemModel{})
	if res.Error != nil {
		return s.logError("delete_item", res.Error, zap.String("item_id", id))
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.DeliveryItem, error) {
	tx := s.db.WithContext(ctx).Where("next_attempt <= ?", now).Order("created ASC, id ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var rows []itemModel
	if err := tx.Find(&rows).Error; err != nil {
		return nil, s.logError("list_due", err)
	}
	return itemsToEntities(rows), nil
}

func (s *Store) ListItems(ctx context.Context) ([]*types.DeliveryItem, error) {
	var rows []itemModel
	if err := s.db.WithContext(ctx).Order("created ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, s.logError("list_items", err)
	}
	return itemsToEntities(rows), nil
}

func (s *Store) CountItems(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&itemModel{}).Count(&n).Error; err != nil {
		return 0, s.logError("count_items", err)
	}
	return int(n), nil
}

//==============================================================================
// Servers

func (s *Store) GetServer(ctx context.Context, id types.ServerID) (*types.Server, error) {
	var row serverModel
	if err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&row).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return row.toEntity(), nil
}

func (s *Store) PutServer(ctx context.Context, srv *types.Server) error {
	row := serverModelFromEntity(srv)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"url":                  row.URL,
			"format":               row.Format,
			"public_inbox":         row.PublicInbox,
			"last_contact":         row.LastContact,
			"last_failure":         row.LastFailure,
			"next_contact":         row.NextContact,
			"failed":               row.Failed,
			"consecutive_failures": row.ConsecutiveFailures,
			"backoff_exponent":     row.BackoffExponent,
		}),
	}).Create(&row).Error
	if err != nil {
		return s.logError("put_server", err, zap.String("server_id", row.ID))
	}
	return nil
}

func (s *Store) ListServers(ctx context.Context) ([]*types.Server, error) {
	var rows []serverModel
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, s.logError("list_servers", err)
	}
	out := make([]*types.Server, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEntity())
	}
	return out, nil
}

//==============================================================================
// Outbox and inbox

func (s *Store) PutOutbox(ctx context.Context, e *types.OutboxEntry) error {
	row := outboxModel{
		PostURIID: int64(e.PostURIID),
		DataType:  e.DataType,
		Body:      e.Body,
		Created:   e.Created,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "post_uri_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"data_type": row.DataType,
			"body":      row.Body,
		}),
	}).Create(&row).Error
	if err != nil {
		return s.logError("put_outbox", err, zap.Int64("post_uri_id", row.PostURIID))
	}
	return nil
}

func (s *Store) GetOutbox(ctx context.Context, id types.PostURIID) (*types.OutboxEntry, error) {
	var row outboxModel
	if err := s.db.WithContext(ctx).Where("post_uri_id = ?", int64(id)).First(&row).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &types.OutboxEntry{
		PostURIID: types.PostURIID(row.PostURIID),
		DataType:  row.DataType,
		Body:      row.Body,
		Created:   row.Created,
	}, nil
}

func (s *Store) DeleteOutbox(ctx context.Context, id types.PostURIID) error {
	if err := s.db.WithContext(ctx).Where("post_uri_id = ?", int64(id)).Delete(&outboxModel{}).Error; err != nil {
		return s.logError("delete_outbox", err, zap.Int64("post_uri_id", int64(id)))
	}
	return nil
}

func (s *Store) AppendInbox(ctx context.Context, e *types.InboxEntry) error {
	row := inboxModel{
		ID:       e.ID,
		UserID:   int64(e.UserID),
		Author:   e.Author,
		DataType: e.DataType,
		Private:  e.Private,
		Payload:  e.Payload,
		Received: e.Received,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return s.logError("append_inbox", err, zap.String("author", e.Author))
	}
	return nil
}

func (s *Store) ListInbox(ctx context.Context, user types.UserID) ([]*types.InboxEntry, error) {
	var rows []inboxModel
	err := s.db.WithContext(ctx).Where("user_id = ?", int64(user)).Order("received ASC, id ASC").Find(&rows).Error
	if err != nil {
		return nil, s.logError("list_inbox", err)
	}
	out := make([]*types.InboxEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, &types.InboxEntry{
			ID:       row.ID,
			UserID:   types.UserID(row.UserID),
			Author:   row.Author,
			DataType: row.DataType,
			Private:  row.Private,
			Payload:  row.Payload,
			Received: row.Received,
		})
	}
	return out, nil
}
