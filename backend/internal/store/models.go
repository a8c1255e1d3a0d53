package store

import (
	"time"

	"blockCollab/backend/internal/document"
)

// 表结构：documents 1-n content_blocks 1-n inline_styles，documents 1-n document_collaborators

type DocumentModel struct {
	ID            string              `gorm:"primaryKey;type:varchar(36)"`
	Title         string              `gorm:"type:varchar(256);not null;default:''"`
	OwnerID       uint64              `gorm:"not null;index"`
	Blocks        []BlockModel        `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE"`
	Collaborators []CollaboratorModel `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (DocumentModel) TableName() string { return "documents" }

type BlockModel struct {
	ID         uint64       `gorm:"primaryKey;autoIncrement"`
	DocumentID string       `gorm:"type:varchar(36);not null;uniqueIndex:uk_doc_block_key;index:idx_doc_block_index"`
	Key        string       `gorm:"column:block_key;type:varchar(5);not null;uniqueIndex:uk_doc_block_key"`
	Text       string       `gorm:"type:text;not null"`
	Type       string       `gorm:"column:block_type;type:varchar(20);not null;default:'unstyled'"`
	Index      int          `gorm:"column:block_index;not null;index:idx_doc_block_index"`
	Styles     []StyleModel `gorm:"foreignKey:BlockID;constraint:OnDelete:CASCADE"`
}

func (BlockModel) TableName() string { return "content_blocks" }

type StyleModel struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	BlockID uint64 `gorm:"not null;index"`
	Offset  int    `gorm:"column:style_offset;not null"`
	Length  int    `gorm:"column:style_length;not null"`
	Style   string `gorm:"type:varchar(10);not null"`
}

func (StyleModel) TableName() string { return "inline_styles" }

type CollaboratorModel struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	DocumentID string `gorm:"type:varchar(36);not null;uniqueIndex:uk_doc_user"`
	UserID     uint64 `gorm:"not null;uniqueIndex:uk_doc_user"`
	Permission int    `gorm:"not null;default:3"`
	CreatedAt  time.Time
}

func (CollaboratorModel) TableName() string { return "document_collaborators" }

func blockModels(doc *document.Document) []BlockModel {
	blocks := doc.Blocks()
	out := make([]BlockModel, 0, len(blocks))
	for _, b := range blocks {
		m := BlockModel{DocumentID: doc.ID, Key: b.Key, Text: b.Text, Type: b.Type, Index: b.Index}
		for _, s := range b.Styles {
			m.Styles = append(m.Styles, StyleModel{Offset: s.Offset, Length: s.Length, Style: s.Style})
		}
		out = append(out, m)
	}
	return out
}

func collaboratorModel(c document.Collaborator) CollaboratorModel {
	return CollaboratorModel{ID: c.ID, DocumentID: c.Document, UserID: c.User, Permission: int(c.Permission), CreatedAt: c.CreatedAt}
}

func (m CollaboratorModel) toDomain() document.Collaborator {
	return document.Collaborator{ID: m.ID, Document: m.DocumentID, User: m.UserID, Permission: document.Permission(m.Permission), CreatedAt: m.CreatedAt}
}

func (m *DocumentModel) toDomain() (*document.Document, error) {
	doc := document.New(m.ID, m.Title, m.OwnerID)
	doc.CreatedAt = m.CreatedAt
	doc.UpdatedAt = m.UpdatedAt
	for _, bm := range m.Blocks {
		b := &document.Block{Key: bm.Key, Text: bm.Text, Type: bm.Type, Index: bm.Index}
		for _, sm := range bm.Styles {
			b.Styles = append(b.Styles, document.InlineStyle{Offset: sm.Offset, Length: sm.Length, Style: sm.Style})
		}
		if err := doc.InsertBlock(b); err != nil {
			return nil, err
		}
	}
	for _, cm := range m.Collaborators {
		doc.Collaborators = append(doc.Collaborators, cm.toDomain())
	}
	return doc, nil
}
