package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"blockCollab/backend/internal/document"
)

// MemoryStore 进程内存储，database.driver=memory 时使用，也用于测试。
// 读写都做深拷贝，调用方拿到的对象与存储互不影响。
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*document.Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*document.Document)}
}

func (s *MemoryStore) CreateDocument(ctx context.Context, doc *document.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return document.ErrDocumentExists
	}
	now := time.Now()
	doc.CreatedAt, doc.UpdatedAt = now, now
	s.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *MemoryStore) LoadDocument(ctx context.Context, docID string) (*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[docID]
	if !ok {
		return nil, document.ErrDocumentNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) SaveContent(ctx context.Context, doc *document.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.docs[doc.ID]
	if !ok {
		return document.ErrDocumentNotFound
	}
	// 只替换内容，标题和协作者以存储里的为准
	next := doc.Clone()
	next.Title = cur.Title
	next.Collaborators = slices.Clone(cur.Collaborators)
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now()
	s.docs[doc.ID] = next
	return nil
}

func (s *MemoryStore) UpdateTitle(ctx context.Context, docID, title string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return document.ErrDocumentNotFound
	}
	d.Title = title
	d.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AddCollaborator(ctx context.Context, c document.Collaborator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[c.Document]
	if !ok {
		return document.ErrDocumentNotFound
	}
	if _, err := d.Collaborator(c.User); err == nil {
		return document.ErrCollaboratorExists
	}
	d.Collaborators = append(d.Collaborators, c)
	return nil
}

func (s *MemoryStore) GetCollaborator(ctx context.Context, docID string, userID uint64) (document.Collaborator, error) {
	if err := ctx.Err(); err != nil {
		return document.Collaborator{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[docID]
	if !ok {
		return document.Collaborator{}, document.ErrDocumentNotFound
	}
	return d.Collaborator(userID)
}
