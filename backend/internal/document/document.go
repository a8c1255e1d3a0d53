package document

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"
)

const (
	DefaultBlockType = "unstyled"

	MaxKeyLen   = 5
	MaxTypeLen  = 20
	MaxStyleLen = 10
	MaxTitleLen = 256
)

var (
	ErrDocumentNotFound   = errors.New("document not found")
	ErrDocumentExists     = errors.New("document already exists")
	ErrBlockNotFound      = errors.New("block not found")
	ErrBlockExists        = errors.New("block key already used")
	ErrIndexTaken         = errors.New("block index already used")
	ErrNotCollaborator    = errors.New("user is not a collaborator")
	ErrCollaboratorExists = errors.New("collaborator already exists")
	ErrTitleTooLong       = errors.New("title is too long")
)

type InlineStyle struct {
	Offset int
	Length int
	Style  string
}

type Block struct {
	Key    string
	Text   string
	Type   string
	Index  int
	Styles []InlineStyle
}

func (b *Block) clone() *Block {
	cp := *b
	cp.Styles = slices.Clone(b.Styles)
	return &cp
}

type Collaborator struct {
	ID         string
	Document   string
	User       uint64
	Permission Permission
	CreatedAt  time.Time
}

// Document 内存中的文档：块按 index 升序保存，任何方法返回时 index 两两不同
type Document struct {
	ID            string
	Title         string
	OwnerID       uint64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Collaborators []Collaborator

	blocks []*Block
}

func New(id, title string, ownerID uint64) *Document {
	return &Document{ID: id, Title: title, OwnerID: ownerID}
}

// Blocks 按 index 顺序返回块（切片是副本，元素仍指向文档内的块）
func (d *Document) Blocks() []*Block {
	return slices.Clone(d.blocks)
}

func (d *Document) Len() int { return len(d.blocks) }

func (d *Document) GetBlock(key string) (*Block, error) {
	for _, b := range d.blocks {
		if b.Key == key {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrBlockNotFound, key)
}

func (d *Document) HasBlock(key string) bool {
	_, err := d.GetBlock(key)
	return err == nil
}

// NextIndex 空文档为 0，否则为当前最大 index + 1
func (d *Document) NextIndex() int {
	if len(d.blocks) == 0 {
		return 0
	}
	return d.blocks[len(d.blocks)-1].Index + 1
}

// GetOrCreateBlock 返回 key 对应的块，不存在时以 defaultIndex 新建一个空块。
// defaultIndex 已被占用时，先把 index >= defaultIndex 的块整体后移一位。
func (d *Document) GetOrCreateBlock(key string, defaultIndex int) (*Block, bool) {
	if b, err := d.GetBlock(key); err == nil {
		return b, false
	}
	if defaultIndex < 0 {
		defaultIndex = 0
	}
	if d.indexTaken(defaultIndex) {
		d.ShiftIndexes(defaultIndex-1, 1)
	}
	b := &Block{Key: key, Type: DefaultBlockType, Index: defaultIndex}
	d.insertSorted(b)
	return b, true
}

// InsertBlock 插入一个新块；key 或 index 冲突时返回错误，文档不变
func (d *Document) InsertBlock(b *Block) error {
	if d.HasBlock(b.Key) {
		return fmt.Errorf("%w: %q", ErrBlockExists, b.Key)
	}
	if b.Index < 0 || d.indexTaken(b.Index) {
		return fmt.Errorf("%w: %d", ErrIndexTaken, b.Index)
	}
	if b.Type == "" {
		b.Type = DefaultBlockType
	}
	d.insertSorted(b)
	return nil
}

// BlockBefore 返回 index 严格小于 b.Index 的最大块
func (d *Document) BlockBefore(b *Block) *Block {
	var prev *Block
	for _, cur := range d.blocks {
		if cur.Index >= b.Index {
			break
		}
		prev = cur
	}
	return prev
}

// BlockAfter 返回 index 严格大于 b.Index 的最小块
func (d *Document) BlockAfter(b *Block) *Block {
	for _, cur := range d.blocks {
		if cur.Index > b.Index {
			return cur
		}
	}
	return nil
}

// ShiftIndexes 给所有 index > fromExclusive 的块加上 delta。
// delta 为负时调用方负责保证不会与前面的块撞上。
func (d *Document) ShiftIndexes(fromExclusive, delta int) {
	for _, b := range d.blocks {
		if b.Index > fromExclusive {
			b.Index += delta
		}
	}
}

// DeleteBlock 删除块及其样式
func (d *Document) DeleteBlock(b *Block) {
	d.blocks = slices.DeleteFunc(d.blocks, func(cur *Block) bool { return cur.Key == b.Key })
}

// CheckIndexes 检查 index 非负且互不相同、key 互不相同
func (d *Document) CheckIndexes() error {
	keys := make(map[string]struct{}, len(d.blocks))
	for i, b := range d.blocks {
		if b.Index < 0 {
			return fmt.Errorf("block %q: negative index %d", b.Key, b.Index)
		}
		if i > 0 && d.blocks[i-1].Index >= b.Index {
			return fmt.Errorf("%w: %d", ErrIndexTaken, b.Index)
		}
		if _, dup := keys[b.Key]; dup {
			return fmt.Errorf("%w: %q", ErrBlockExists, b.Key)
		}
		keys[b.Key] = struct{}{}
	}
	return nil
}

// Clone 深拷贝，作为一批操作的事务工作区
func (d *Document) Clone() *Document {
	cp := *d
	cp.Collaborators = slices.Clone(d.Collaborators)
	cp.blocks = make([]*Block, len(d.blocks))
	for i, b := range d.blocks {
		cp.blocks[i] = b.clone()
	}
	return &cp
}

func (d *Document) Collaborator(userID uint64) (Collaborator, error) {
	for _, c := range d.Collaborators {
		if c.User == userID {
			return c, nil
		}
	}
	return Collaborator{}, ErrNotCollaborator
}

func (d *Document) indexTaken(index int) bool {
	for _, b := range d.blocks {
		if b.Index == index {
			return true
		}
	}
	return false
}

func (d *Document) insertSorted(b *Block) {
	// ShiftIndexes 保持相对顺序，所以切片始终有序
	i := sort.Search(len(d.blocks), func(i int) bool { return d.blocks[i].Index > b.Index })
	d.blocks = slices.Insert(d.blocks, i, b)
}
