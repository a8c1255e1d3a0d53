package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"blockCollab/backend/internal/document"
)

// Open 按驱动名打开数据库并建表，driver 取 mysql / postgres
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DocumentModel{}, &BlockModel{}, &StyleModel{}, &CollaboratorModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return db, nil
}

type GormStore struct{ db *gorm.DB }

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// CreateDocument 写入文档、初始块和 owner 协作者
func (s *GormStore) CreateDocument(ctx context.Context, doc *document.Document) error {
	m := DocumentModel{
		ID:      doc.ID,
		Title:   doc.Title,
		OwnerID: doc.OwnerID,
		Blocks:  blockModels(doc),
	}
	for _, c := range doc.Collaborators {
		m.Collaborators = append(m.Collaborators, collaboratorModel(c))
	}
	err := s.db.WithContext(ctx).Create(&m).Error
	if isDuplicate(err) {
		return fmt.Errorf("create document %s: %w", doc.ID, document.ErrDocumentExists)
	}
	if err != nil {
		return err
	}
	doc.CreatedAt, doc.UpdatedAt = m.CreatedAt, m.UpdatedAt
	return nil
}

func (s *GormStore) LoadDocument(ctx context.Context, docID string) (*document.Document, error) {
	var m DocumentModel
	err := s.db.WithContext(ctx).
		Preload("Blocks", func(db *gorm.DB) *gorm.DB { return db.Order("block_index ASC") }).
		Preload("Blocks.Styles", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Collaborators").
		First(&m, "id = ?", docID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, document.ErrDocumentNotFound
		}
		return nil, err
	}
	return m.toDomain()
}

// SaveContent 在一个事务里整体替换文档的块和样式
func (s *GormStore) SaveContent(ctx context.Context, doc *document.Document) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&DocumentModel{}).Where("id = ?", doc.ID).Update("updated_at", time.Now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return document.ErrDocumentNotFound
		}
		blockIDs := tx.Model(&BlockModel{}).Select("id").Where("document_id = ?", doc.ID)
		if err := tx.Where("block_id IN (?)", blockIDs).Delete(&StyleModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", doc.ID).Delete(&BlockModel{}).Error; err != nil {
			return err
		}
		blocks := blockModels(doc)
		if len(blocks) == 0 {
			return nil
		}
		// 关联的 Styles 会随块一起插入
		return tx.Create(&blocks).Error
	})
}

func (s *GormStore) UpdateTitle(ctx context.Context, docID, title string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m DocumentModel
		if err := tx.Select("id").First(&m, "id = ?", docID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return document.ErrDocumentNotFound
			}
			return err
		}
		return tx.Model(&m).Update("title", title).Error
	})
}

func (s *GormStore) AddCollaborator(ctx context.Context, c document.Collaborator) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&DocumentModel{}).Where("id = ?", c.Document).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return document.ErrDocumentNotFound
		}
		m := collaboratorModel(c)
		err := tx.Create(&m).Error
		if isDuplicate(err) {
			return document.ErrCollaboratorExists
		}
		return err
	})
}

// GetCollaborator 建连鉴权只查协作者表，不加载整篇文档
func (s *GormStore) GetCollaborator(ctx context.Context, docID string, userID uint64) (document.Collaborator, error) {
	var m CollaboratorModel
	err := s.db.WithContext(ctx).Where("document_id = ? AND user_id = ?", docID, userID).First(&m).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return document.Collaborator{}, err
		}
		// 区分文档不存在和不是协作者
		var n int64
		if err := s.db.WithContext(ctx).Model(&DocumentModel{}).Where("id = ?", docID).Count(&n).Error; err != nil {
			return document.Collaborator{}, err
		}
		if n == 0 {
			return document.Collaborator{}, document.ErrDocumentNotFound
		}
		return document.Collaborator{}, document.ErrNotCollaborator
	}
	return m.toDomain(), nil
}
