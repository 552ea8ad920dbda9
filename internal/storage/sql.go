package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collab-engine/internal/errs"
	"collab-engine/internal/operations"
)

const mysqlDuplicateEntry = 1062

type documentModel struct {
	ID        string `gorm:"type:varchar(191);primaryKey"`
	Title     string `gorm:"type:varchar(255)"`
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (documentModel) TableName() string { return "documents" }

type snapshotModel struct {
	DocumentID string `gorm:"type:varchar(191);primaryKey"`
	Version    int    `gorm:"primaryKey;autoIncrement:false"`
	Title      string `gorm:"type:varchar(255)"`
	Content    string `gorm:"type:longtext"`
	SavedAt    time.Time
}

func (snapshotModel) TableName() string { return "document_snapshots" }

type operationModel struct {
	DocumentID  string `gorm:"type:varchar(191);primaryKey"`
	Version     int    `gorm:"primaryKey;autoIncrement:false"`
	BaseVersion int
	SessionID   string `gorm:"type:varchar(64)"`
	Seq         uint64
	Components  string `gorm:"type:longtext"`
	CreatedAt   time.Time
}

func (operationModel) TableName() string { return "document_operations" }

func (m documentModel) info() DocumentInfo {
	return DocumentInfo{
		ID:        m.ID,
		Title:     m.Title,
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// SQLStore keeps documents in a relational database through gorm.
type SQLStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// OpenMySQL connects to MySQL and migrates the schema.
func OpenMySQL(dsn string, log logrus.FieldLogger) (*SQLStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return NewSQLStore(db, log)
}

// NewSQLStore wraps an open gorm connection and migrates the schema.
func NewSQLStore(db *gorm.DB, log logrus.FieldLogger) (*SQLStore, error) {
	if log == nil {
		log = logrus.New()
	}
	if err := db.AutoMigrate(&documentModel{}, &snapshotModel{}, &operationModel{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQLStore{db: db, log: log}, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysqldriver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

func (s *SQLStore) CreateDocument(ctx context.Context, id string) (DocumentInfo, error) {
	now := time.Now().UTC()
	row := documentModel{ID: id, CreatedAt: now, UpdatedAt: now}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return DocumentInfo{}, unavailable("create document", err)
	}
	return s.GetDocument(ctx, id)
}

func (s *SQLStore) GetDocument(ctx context.Context, id string) (DocumentInfo, error) {
	var row documentModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentInfo{}, fmt.Errorf("%w: document %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return DocumentInfo{}, unavailable("get document", err)
	}
	return row.info(), nil
}

func (s *SQLStore) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	var rows []documentModel
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, unavailable("list documents", err)
	}
	docs := make([]DocumentInfo, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.info())
	}
	return docs, nil
}

func (s *SQLStore) SetTitle(ctx context.Context, id, title string) error {
	res := s.db.WithContext(ctx).Model(&documentModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return unavailable("set title", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: document %s", errs.ErrNotFound, id)
	}
	return nil
}

func (s *SQLStore) DeleteDocument(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&documentModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.ErrNotFound
		}
		if err := tx.Where("document_id = ?", id).Delete(&operationModel{}).Error; err != nil {
			return err
		}
		return tx.Where("document_id = ?", id).Delete(&snapshotModel{}).Error
	})
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("%w: document %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return unavailable("delete document", err)
	}
	return nil
}

func (s *SQLStore) LatestSnapshot(ctx context.Context, id string) (Snapshot, bool, error) {
	var row snapshotModel
	err := s.db.WithContext(ctx).
		Where("document_id = ?", id).
		Order("version DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, unavailable("latest snapshot", err)
	}
	return Snapshot{
		DocumentID: row.DocumentID,
		Title:      row.Title,
		Version:    row.Version,
		Content:    row.Content,
		SavedAt:    row.SavedAt,
	}, true, nil
}

func (s *SQLStore) ListSnapshots(ctx context.Context, id string) ([]Snapshot, error) {
	var rows []snapshotModel
	err := s.db.WithContext(ctx).
		Select("document_id", "version", "title", "saved_at").
		Where("document_id = ?", id).
		Order("version DESC").
		Find(&rows).Error
	if err != nil {
		return nil, unavailable("list snapshots", err)
	}
	snaps := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		snaps = append(snaps, Snapshot{
			DocumentID: row.DocumentID,
			Title:      row.Title,
			Version:    row.Version,
			SavedAt:    row.SavedAt,
		})
	}
	return snaps, nil
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	row := snapshotModel{
		DocumentID: snap.DocumentID,
		Version:    snap.Version,
		Title:      snap.Title,
		Content:    snap.Content,
		SavedAt:    snap.SavedAt,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the document row so a concurrent delete cannot leave an
		// orphan snapshot behind.
		var doc documentModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("id = ?", snap.DocumentID).
			First(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.ErrNotFound
		}
		if err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("%w: document %s", errs.ErrNotFound, snap.DocumentID)
	}
	if err != nil {
		return unavailable("save snapshot", err)
	}
	return nil
}

func (s *SQLStore) AppendOperation(ctx context.Context, id string, op *operations.Operation) error {
	components, err := json.Marshal(op.Components)
	if err != nil {
		return fmt.Errorf("%w: encode operation: %w", errs.ErrMalformedOperation, err)
	}
	row := operationModel{
		DocumentID:  id,
		Version:     op.Version,
		BaseVersion: op.BaseVersion,
		SessionID:   op.SessionID,
		Seq:         op.Seq,
		Components:  string(components),
		CreatedAt:   time.Now().UTC(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		res := tx.Model(&documentModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"version": op.Version, "updated_at": row.CreatedAt})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.ErrNotFound
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case isDuplicate(err):
		return fmt.Errorf("%w: document %s version %d already stored", errs.ErrVersionConflict, id, op.Version)
	case errors.Is(err, errs.ErrNotFound):
		return fmt.Errorf("%w: document %s", errs.ErrNotFound, id)
	default:
		return unavailable("append operation", err)
	}
}

func (s *SQLStore) LoadOperations(ctx context.Context, id string, after int) ([]*operations.Operation, error) {
	var rows []operationModel
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND version > ?", id, after).
		Order("version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, unavailable("load operations", err)
	}

	ops := make([]*operations.Operation, 0, len(rows))
	for _, row := range rows {
		var components []operations.Component
		if err := json.Unmarshal([]byte(row.Components), &components); err != nil {
			return nil, fmt.Errorf("decode operation %s v%d: %w", id, row.Version, err)
		}
		ops = append(ops, &operations.Operation{
			DocumentID:  row.DocumentID,
			BaseVersion: row.BaseVersion,
			Components:  components,
			SessionID:   row.SessionID,
			Seq:         row.Seq,
			Version:     row.Version,
		})
	}
	return ops, nil
}

func (s *SQLStore) TruncateOperations(ctx context.Context, id string, through int) error {
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND version <= ?", id, through).
		Delete(&operationModel{}).Error
	if err != nil {
		return unavailable("truncate operations", err)
	}
	return nil
}
