package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"blockCollab/backend/internal/document"
	"blockCollab/backend/internal/ops"
)

const (
	DefaultPersistTimeout = 3 * time.Second
	publishTimeout        = 50 * time.Millisecond
)

// DocumentStore 持久化接口，实现在 store 包
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *document.Document) error
	LoadDocument(ctx context.Context, docID string) (*document.Document, error)
	GetCollaborator(ctx context.Context, docID string, userID uint64) (document.Collaborator, error)
	SaveContent(ctx context.Context, doc *document.Document) error
	UpdateTitle(ctx context.Context, docID, title string) error
	AddCollaborator(ctx context.Context, c document.Collaborator) error
}

// 协作引擎接口。修改类方法在文档锁内持久化成功后调用 commit，
// 调用方在 commit 里把广播放进房间各连接的发送队列，保证所有成员看到同样的顺序。
type Service interface {
	CreateDocument(ctx context.Context, ownerID uint64, title string, blocks []*document.Block) (*document.Document, error)
	Authorize(ctx context.Context, docID string, userID uint64) (document.Collaborator, error)
	Snapshot(ctx context.Context, docID string, userID uint64) (*document.Document, error)
	UpdateContent(ctx context.Context, docID string, userID uint64, data []json.RawMessage, commit func([]ops.Operation)) []FieldError
	UpdateTitle(ctx context.Context, docID string, userID uint64, title string, commit func(string)) []FieldError
	AddCollaborator(ctx context.Context, docID string, userID, newUser uint64, perm document.Permission, commit func(document.Collaborator)) []FieldError
	Evict(docID string)
}

type docState struct {
	mu  sync.Mutex
	doc *document.Document
	// 被 Evict 移出缓存后置位，持锁者需要重新加载
	evicted bool
}

type ServiceOptions struct {
	PersistTimeout time.Duration
}

// InMemoryService 在内存里缓存正在编辑的文档，每个文档一把锁，不同文档互不阻塞
type InMemoryService struct {
	mu    sync.RWMutex
	docs  map[string]*docState
	loads singleflight.Group

	store  DocumentStore
	events EventPublisher

	persistTimeout time.Duration
}

// 确保 InMemoryService 实现了 Service 接口
var _ Service = (*InMemoryService)(nil)

func NewInMemoryService(store DocumentStore, events EventPublisher, opt ServiceOptions) *InMemoryService {
	if opt.PersistTimeout <= 0 {
		opt.PersistTimeout = DefaultPersistTimeout
	}
	return &InMemoryService{
		docs:           make(map[string]*docState),
		store:          store,
		events:         events,
		persistTimeout: opt.PersistTimeout,
	}
}

// getState 返回缓存的文档状态，首次访问时从存储加载；并发的首次加载只查一次库
func (s *InMemoryService) getState(ctx context.Context, docID string) (*docState, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		return ds, nil
	}

	v, err, _ := s.loads.Do(docID, func() (any, error) {
		s.mu.RLock()
		ds := s.docs[docID]
		s.mu.RUnlock()
		if ds != nil {
			return ds, nil
		}
		// 共享的加载不跟随某一个调用方取消
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
		defer cancel()
		doc, err := s.store.LoadDocument(lctx, docID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur := s.docs[docID]; cur != nil {
			return cur, nil
		}
		ds = &docState{doc: doc}
		s.docs[docID] = ds
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*docState), nil
}

// lockState 返回已加锁的文档状态，调用方负责 Unlock
func (s *InMemoryService) lockState(ctx context.Context, docID string) (*docState, error) {
	for {
		ds, err := s.getState(ctx, docID)
		if err != nil {
			return nil, err
		}
		ds.mu.Lock()
		if !ds.evicted {
			return ds, nil
		}
		ds.mu.Unlock()
	}
}

// OpenDocuments 当前缓存在内存里的文档数
func (s *InMemoryService) OpenDocuments() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Evict 房间清空后释放内存里的文档，已持久化的内容下次访问时重新加载
func (s *InMemoryService) Evict(docID string) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds == nil {
		return
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.evicted = true
	s.mu.Lock()
	if s.docs[docID] == ds {
		delete(s.docs, docID)
	}
	s.mu.Unlock()
}

func (s *InMemoryService) CreateDocument(ctx context.Context, ownerID uint64, title string, blocks []*document.Block) (*document.Document, error) {
	if utf8.RuneCountInString(title) > document.MaxTitleLen {
		return nil, fmt.Errorf("%w: at most %d characters", document.ErrTitleTooLong, document.MaxTitleLen)
	}
	doc := document.New(uuid.NewString(), title, ownerID)
	for _, b := range blocks {
		if err := doc.InsertBlock(b); err != nil {
			return nil, err
		}
	}
	// 创建者就是 owner
	doc.Collaborators = []document.Collaborator{{
		ID:         uuid.NewString(),
		Document:   doc.ID,
		User:       ownerID,
		Permission: document.PermissionOwner,
		CreatedAt:  time.Now(),
	}}

	pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	if err := s.store.CreateDocument(pctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	log.Info().Str("doc", doc.ID).Uint64("user", ownerID).Int("blocks", doc.Len()).Msg("document created")
	return doc, nil
}

// cached 返回已加载且加了锁的文档状态；没有人在编辑时返回 nil，不触发加载
func (s *InMemoryService) cached(docID string) *docState {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds == nil {
		return nil
	}
	ds.mu.Lock()
	if ds.evicted {
		ds.mu.Unlock()
		return nil
	}
	return ds
}

// Authorize 建连时调用：文档必须存在且 userID 是协作者。
// 只读路径不往缓存里放文档，缓存只由写操作填充、由 Evict 清理。
func (s *InMemoryService) Authorize(ctx context.Context, docID string, userID uint64) (document.Collaborator, error) {
	if ds := s.cached(docID); ds != nil {
		defer ds.mu.Unlock()
		return ds.doc.Collaborator(userID)
	}
	lctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	return s.store.GetCollaborator(lctx, docID, userID)
}

func (s *InMemoryService) Snapshot(ctx context.Context, docID string, userID uint64) (*document.Document, error) {
	if ds := s.cached(docID); ds != nil {
		defer ds.mu.Unlock()
		if _, err := ds.doc.Collaborator(userID); err != nil {
			return nil, err
		}
		return ds.doc.Clone(), nil
	}
	// 没有活跃会话，存储里就是最新内容，读一份临时的
	lctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	doc, err := s.store.LoadDocument(lctx, docID)
	if err != nil {
		return nil, err
	}
	if _, err := doc.Collaborator(userID); err != nil {
		return nil, err
	}
	return doc, nil
}

// UpdateContent 批量应用操作：合法的操作应用到副本后一次性持久化，
// 只把真正修改了文档的操作交给 commit；失败的操作按下标返回。
// 持久化失败时什么都不生效。
func (s *InMemoryService) UpdateContent(ctx context.Context, docID string, userID uint64, data []json.RawMessage, commit func([]ops.Operation)) []FieldError {
	ds, errs := s.lockForWrite(ctx, docID, userID, document.Permission.CanEdit)
	if errs != nil {
		return errs
	}
	defer ds.mu.Unlock()

	work := ds.doc.Clone()
	res := ops.ApplyBatch(work, data)
	errs = operationErrors(res.Errors)
	if len(res.Applied) == 0 {
		return errs
	}
	if err := work.CheckIndexes(); err != nil {
		// 引擎保证不会出现，出现说明有 bug，丢弃这批修改
		log.Error().Err(err).Str("doc", docID).Msg("block indexes broken after apply")
		return append(errs, NewFieldError(CodeMalformedOperation, "data", "operations left the document inconsistent"))
	}

	if fe := s.persist(ctx, docID, func(pctx context.Context) error { return s.store.SaveContent(pctx, work) }); fe != nil {
		return append(errs, *fe)
	}
	ds.doc = work
	if commit != nil {
		commit(res.Applied)
	}
	s.publish(ctx, DocEvent{EventType: EventContentUpdated, DocID: docID, AuthorID: userID, Ops: res.Applied})
	return errs
}

func (s *InMemoryService) UpdateTitle(ctx context.Context, docID string, userID uint64, title string, commit func(string)) []FieldError {
	if err := document.ValidateTitle(title); err != nil {
		return []FieldError{NewFieldError(CodeMalformedEnvelope, "title", err.Error())}
	}
	ds, errs := s.lockForWrite(ctx, docID, userID, document.Permission.CanEdit)
	if errs != nil {
		return errs
	}
	defer ds.mu.Unlock()

	if fe := s.persist(ctx, docID, func(pctx context.Context) error { return s.store.UpdateTitle(pctx, docID, title) }); fe != nil {
		return []FieldError{*fe}
	}
	ds.doc.Title = title
	if commit != nil {
		commit(title)
	}
	s.publish(ctx, DocEvent{EventType: EventTitleUpdated, DocID: docID, AuthorID: userID, Title: title})
	return nil
}

func (s *InMemoryService) AddCollaborator(ctx context.Context, docID string, userID, newUser uint64, perm document.Permission, commit func(document.Collaborator)) []FieldError {
	if newUser == 0 {
		return []FieldError{NewFieldError(CodeMalformedEnvelope, "user", "this field is required")}
	}
	if !perm.Grantable() {
		return []FieldError{NewFieldError(CodeMalformedEnvelope, "permission",
			fmt.Sprintf("must be between %d and %d", document.PermissionAdmin, document.PermissionViewer))}
	}
	ds, errs := s.lockForWrite(ctx, docID, userID, document.Permission.CanInvite)
	if errs != nil {
		return errs
	}
	defer ds.mu.Unlock()

	if _, err := ds.doc.Collaborator(newUser); err == nil {
		return []FieldError{NewFieldError(CodeMalformedEnvelope, "user", "user is already a collaborator")}
	}
	c := document.Collaborator{
		ID:         uuid.NewString(),
		Document:   docID,
		User:       newUser,
		Permission: perm,
		CreatedAt:  time.Now(),
	}
	if fe := s.persist(ctx, docID, func(pctx context.Context) error { return s.store.AddCollaborator(pctx, c) }); fe != nil {
		return []FieldError{*fe}
	}
	ds.doc.Collaborators = append(ds.doc.Collaborators, c)
	if commit != nil {
		commit(c)
	}
	raw := c.Raw()
	s.publish(ctx, DocEvent{EventType: EventCollaboratorAdded, DocID: docID, AuthorID: userID, Collaborator: &raw})
	return nil
}

// lockForWrite 加载并锁住文档，检查 userID 的权限；出错时不持有锁
func (s *InMemoryService) lockForWrite(ctx context.Context, docID string, userID uint64, allowed func(document.Permission) bool) (*docState, []FieldError) {
	ds, err := s.lockState(ctx, docID)
	if err != nil {
		if errors.Is(err, document.ErrDocumentNotFound) {
			return nil, []FieldError{NewFieldError(CodeDocumentNotFound, "document", "document not found")}
		}
		log.Error().Err(err).Str("doc", docID).Msg("load document failed")
		return nil, []FieldError{NewFieldError(CodePersistenceFailure, "", "could not load document")}
	}
	c, err := ds.doc.Collaborator(userID)
	if err != nil {
		ds.mu.Unlock()
		return nil, []FieldError{NewFieldError(CodeUnauthorizedCollaborator, "user", "user is not a collaborator")}
	}
	if !allowed(c.Permission) {
		ds.mu.Unlock()
		return nil, []FieldError{NewFieldError(CodePermissionDenied, "permission",
			fmt.Sprintf("%s permission is not enough", c.Permission))}
	}
	return ds, nil
}

func (s *InMemoryService) persist(ctx context.Context, docID string, write func(context.Context) error) *FieldError {
	pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	err := write(pctx)
	if err == nil {
		return nil
	}
	log.Error().Err(err).Str("doc", docID).Msg("persist document failed")
	fe := NewFieldError(CodePersistenceFailure, "", "could not save changes, please retry")
	if errors.Is(err, document.ErrCollaboratorExists) {
		fe = NewFieldError(CodeMalformedEnvelope, "user", "user is already a collaborator")
	}
	return &fe
}

func (s *InMemoryService) publish(ctx context.Context, evt DocEvent) {
	if s.events == nil {
		return
	}
	evt.EventID = uuid.NewString()
	evt.AppliedAt = time.Now()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.events.Enqueue(pctx, evt); err != nil {
		log.Warn().Err(err).Str("doc", evt.DocID).Str("type", evt.EventType).Msg("drop doc event")
	}
}
