package ops

import (
	"encoding/json"
	"fmt"
)

// Kind 操作类型，取值集合是封闭的，新增类型时 Parse/Apply/MarshalJSON 都要处理
type Kind string

const (
	KindInsert         Kind = "insert"
	KindDelete         Kind = "delete"
	KindSplitBlock     Kind = "split-block"
	KindSetBlockType   Kind = "set-block-type"
	KindSetInlineStyle Kind = "set-inline-style"
)

func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindDelete, KindSplitBlock, KindSetBlockType, KindSetInlineStyle:
		return true
	}
	return false
}

// Operation 一次经过校验的编辑操作。各字段只在对应 Kind 下有意义：
//   - insert:           Text
//   - delete:           Offset（删除长度；Position 为 -1 表示与上一块合并）
//   - split-block:      NewBlock
//   - set-block-type:   NewBlockType
//   - set-inline-style: Offset（样式长度）、Style
type Operation struct {
	Kind         Kind
	Block        string
	Position     int
	Text         string
	Offset       int
	NewBlock     string
	NewBlockType string
	Style        string
}

// wireOp 线上格式，指针用来区分“缺失”和“零值”
type wireOp struct {
	Type         *string `json:"type,omitempty"`
	Block        *string `json:"block,omitempty"`
	Position     *int    `json:"position,omitempty"`
	Text         *string `json:"text,omitempty"`
	Offset       *int    `json:"offset,omitempty"`
	NewBlock     *string `json:"newBlock,omitempty"`
	NewBlockType *string `json:"newBlockType,omitempty"`
	Style        *string `json:"style,omitempty"`
}

// MarshalJSON 只输出该类型用到的字段，作为广播给房间的规范化回显
func (op Operation) MarshalJSON() ([]byte, error) {
	kind := string(op.Kind)
	w := wireOp{Type: &kind, Block: &op.Block, Position: &op.Position}
	switch op.Kind {
	case KindInsert:
		w.Text = &op.Text
	case KindDelete:
		w.Offset = &op.Offset
	case KindSplitBlock:
		w.NewBlock = &op.NewBlock
	case KindSetBlockType:
		w.Position = nil
		w.NewBlockType = &op.NewBlockType
	case KindSetInlineStyle:
		w.Offset = &op.Offset
		w.Style = &op.Style
	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return json.Marshal(w)
}
