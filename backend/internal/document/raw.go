package document

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Draft.js 的 raw 格式，前端编辑器直接用这个结构初始化

type RawInlineStyle struct {
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Style  string `json:"style"`
}

type RawBlock struct {
	Key               string           `json:"key"`
	Text              string           `json:"text"`
	Type              string           `json:"type"`
	Depth             int              `json:"depth"`
	InlineStyleRanges []RawInlineStyle `json:"inlineStyleRanges"`
	EntityRanges      []any            `json:"entityRanges"`
	Data              map[string]any   `json:"data"`
}

type RawEditor struct {
	Blocks    []RawBlock     `json:"blocks"`
	EntityMap map[string]any `json:"entityMap"`
}

type RawCollaborator struct {
	ID         string     `json:"id"`
	Document   string     `json:"document"`
	User       uint64     `json:"user"`
	Permission Permission `json:"permission"`
}

type RawDocument struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Editor RawEditor `json:"editor"`
}

func (c Collaborator) Raw() RawCollaborator {
	return RawCollaborator{ID: c.ID, Document: c.Document, User: c.User, Permission: c.Permission}
}

func (d *Document) Raw() RawDocument {
	blocks := make([]RawBlock, 0, len(d.blocks))
	for _, b := range d.blocks {
		styles := make([]RawInlineStyle, 0, len(b.Styles))
		for _, s := range b.Styles {
			styles = append(styles, RawInlineStyle{Offset: s.Offset, Length: s.Length, Style: s.Style})
		}
		blocks = append(blocks, RawBlock{
			Key:               b.Key,
			Text:              b.Text,
			Type:              b.Type,
			InlineStyleRanges: styles,
			EntityRanges:      []any{},
			Data:              map[string]any{},
		})
	}
	return RawDocument{
		ID:     d.ID,
		Title:  d.Title,
		Editor: RawEditor{Blocks: blocks, EntityMap: map[string]any{}},
	}
}

// BlocksFromRaw 把创建文档时提交的 raw 块转换为内部块，按数组顺序分配 index
func BlocksFromRaw(raw []RawBlock) ([]*Block, error) {
	out := make([]*Block, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for i, rb := range raw {
		if err := ValidateKey(rb.Key); err != nil {
			return nil, fmt.Errorf("blocks[%d]: %w", i, err)
		}
		if _, dup := seen[rb.Key]; dup {
			return nil, fmt.Errorf("blocks[%d]: %w: %q", i, ErrBlockExists, rb.Key)
		}
		seen[rb.Key] = struct{}{}
		typ := rb.Type
		if typ == "" {
			typ = DefaultBlockType
		}
		if utf8.RuneCountInString(typ) > MaxTypeLen {
			return nil, fmt.Errorf("blocks[%d]: type longer than %d", i, MaxTypeLen)
		}
		b := &Block{Key: rb.Key, Text: rb.Text, Type: typ, Index: i}
		for j, s := range rb.InlineStyleRanges {
			if s.Offset < 0 || s.Length < 0 {
				return nil, fmt.Errorf("blocks[%d].inlineStyleRanges[%d]: negative range", i, j)
			}
			if s.Style == "" || utf8.RuneCountInString(s.Style) > MaxStyleLen {
				return nil, fmt.Errorf("blocks[%d].inlineStyleRanges[%d]: style must be 1-%d chars", i, j, MaxStyleLen)
			}
			b.Styles = append(b.Styles, InlineStyle{Offset: s.Offset, Length: s.Length, Style: s.Style})
		}
		out = append(out, b)
	}
	return out, nil
}

func ValidateKey(key string) error {
	if n := utf8.RuneCountInString(key); n < 1 || n > MaxKeyLen {
		return fmt.Errorf("block key must be 1-%d chars", MaxKeyLen)
	}
	return nil
}

// ValidateTitle 标题必填，去掉首尾空白后不能为空
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("title is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLen {
		return fmt.Errorf("%w: at most %d characters", ErrTitleTooLong, MaxTitleLen)
	}
	return nil
}
