package ops

import (
	"encoding/json"
	"fmt"

	"blockCollab/backend/internal/document"
)

// Apply 把 op 应用到 doc 上，返回规范化后的操作（位置已按文本长度截断）以及文档是否被修改。
// 出错时 doc 保持不变。
func Apply(doc *document.Document, op Operation) (Operation, bool, error) {
	switch op.Kind {
	case KindInsert:
		return applyInsert(doc, op)
	case KindDelete:
		return applyDelete(doc, op)
	case KindSplitBlock:
		return applySplit(doc, op)
	case KindSetBlockType:
		b, err := existing(doc, op.Block)
		if err != nil {
			return op, false, err
		}
		b.Type = op.NewBlockType
		return op, true, nil
	case KindSetInlineStyle:
		b, err := existing(doc, op.Block)
		if err != nil {
			return op, false, err
		}
		// 线上字段 offset 是样式长度，position 是样式起点
		b.Styles = append(b.Styles, document.InlineStyle{Offset: op.Position, Length: op.Offset, Style: op.Style})
		return op, true, nil
	}
	return op, false, invalid("type", "unknown operation type %q", op.Kind)
}

func existing(doc *document.Document, key string) (*document.Block, error) {
	b, err := doc.GetBlock(key)
	if err != nil {
		return nil, &ValidationError{Field: "block", Message: fmt.Sprintf("block %q does not exist", key), Err: err}
	}
	return b, nil
}

func applyInsert(doc *document.Document, op Operation) (Operation, bool, error) {
	b, _ := doc.GetOrCreateBlock(op.Block, doc.NextIndex())
	op.Position = min(op.Position, document.TextLen(b.Text))
	b.Text = document.InsertText(b.Text, op.Position, op.Text)
	return op, true, nil
}

func applyDelete(doc *document.Document, op Operation) (Operation, bool, error) {
	b, err := existing(doc, op.Block)
	if err != nil {
		return op, false, err
	}
	if op.Position == -1 {
		prev := doc.BlockBefore(b)
		if prev == nil {
			// 第一块没有可合并的对象，什么都不做，块也不能删
			return op, false, nil
		}
		prev.Text += document.TextFrom(b.Text, op.Offset)
		doc.DeleteBlock(b)
		return op, true, nil
	}
	n := document.TextLen(b.Text)
	op.Position = min(op.Position, n)
	op.Offset = min(op.Offset, n-op.Position)
	b.Text = document.DeleteText(b.Text, op.Position, op.Offset)
	return op, true, nil
}

func applySplit(doc *document.Document, op Operation) (Operation, bool, error) {
	b, err := existing(doc, op.Block)
	if err != nil {
		return op, false, err
	}
	// 先把所有可能失败的检查做完，之后的修改不会出错，拆分整体生效
	if doc.HasBlock(op.NewBlock) {
		return op, false, &ValidationError{Field: "newBlock", Message: fmt.Sprintf("block %q already exists", op.NewBlock), Err: document.ErrBlockExists}
	}
	op.Position = min(op.Position, document.TextLen(b.Text))
	left, right := document.SplitText(b.Text, op.Position)

	doc.ShiftIndexes(b.Index, 1)
	nb := &document.Block{Key: op.NewBlock, Text: right, Type: document.DefaultBlockType, Index: b.Index + 1}
	if err := doc.InsertBlock(nb); err != nil {
		doc.ShiftIndexes(b.Index+1, -1)
		return op, false, fmt.Errorf("split block %q: %w", op.Block, err)
	}
	b.Text = left
	return op, true, nil
}

// OpError 批量中第 Index 个操作的失败原因
type OpError struct {
	Index int
	Err   error
}

type BatchResult struct {
	// Applied 修改了文档的操作，按提交顺序
	Applied []Operation
	Errors  []OpError
}

// ApplyBatch 依次解析并应用每个操作；单个失败不影响其它操作
func ApplyBatch(doc *document.Document, raw []json.RawMessage) BatchResult {
	var res BatchResult
	for i, r := range raw {
		op, err := Parse(r)
		if err != nil {
			res.Errors = append(res.Errors, OpError{Index: i, Err: err})
			continue
		}
		applied, mutated, err := Apply(doc, op)
		if err != nil {
			res.Errors = append(res.Errors, OpError{Index: i, Err: err})
			continue
		}
		if mutated {
			res.Applied = append(res.Applied, applied)
		}
	}
	return res
}
