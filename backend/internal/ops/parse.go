package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"blockCollab/backend/internal/document"
)

// ValidationError 单个操作校验或应用失败，对应 malformed-operation
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Parse 把一条原始 JSON 操作解析成 Operation，并做字段级校验
func Parse(raw json.RawMessage) (Operation, error) {
	var w wireOp
	if err := json.Unmarshal(raw, &w); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return Operation{}, invalid(typeErr.Field, "must be of type %s", goTypeName(typeErr.Type.Kind().String()))
		}
		return Operation{}, invalid("", "operation must be a JSON object")
	}
	if w.Type == nil {
		return Operation{}, invalid("type", "this field is required")
	}
	op := Operation{Kind: Kind(*w.Type)}
	if !op.Kind.Valid() {
		return Operation{}, invalid("type", "unknown operation type %q", *w.Type)
	}

	if w.Block == nil {
		return Operation{}, invalid("block", "this field is required")
	}
	if err := validateKey("block", *w.Block); err != nil {
		return Operation{}, err
	}
	op.Block = *w.Block

	minPosition := 0
	if op.Kind == KindDelete {
		minPosition = -1
	}
	switch {
	case w.Position != nil:
		if *w.Position < minPosition {
			return Operation{}, invalid("position", "must be greater than or equal to %d", minPosition)
		}
		op.Position = *w.Position
	case op.Kind != KindSetBlockType:
		return Operation{}, invalid("position", "this field is required")
	}

	switch op.Kind {
	case KindInsert:
		if w.Text == nil {
			return Operation{}, invalid("text", "this field is required")
		}
		if *w.Text == "" {
			return Operation{}, invalid("text", "may not be blank")
		}
		op.Text = *w.Text
	case KindDelete:
		offset, err := requireNonNegative("offset", w.Offset)
		if err != nil {
			return Operation{}, err
		}
		op.Offset = offset
	case KindSplitBlock:
		if w.NewBlock == nil {
			return Operation{}, invalid("newBlock", "this field is required")
		}
		if err := validateKey("newBlock", *w.NewBlock); err != nil {
			return Operation{}, err
		}
		op.NewBlock = *w.NewBlock
	case KindSetBlockType:
		if w.NewBlockType == nil {
			return Operation{}, invalid("newBlockType", "this field is required")
		}
		if err := validateLen("newBlockType", *w.NewBlockType, document.MaxTypeLen); err != nil {
			return Operation{}, err
		}
		op.NewBlockType = *w.NewBlockType
	case KindSetInlineStyle:
		offset, err := requireNonNegative("offset", w.Offset)
		if err != nil {
			return Operation{}, err
		}
		op.Offset = offset
		if w.Style == nil {
			return Operation{}, invalid("style", "this field is required")
		}
		if err := validateLen("style", *w.Style, document.MaxStyleLen); err != nil {
			return Operation{}, err
		}
		op.Style = *w.Style
	}
	return op, nil
}

func validateKey(field, key string) *ValidationError {
	return validateLen(field, key, document.MaxKeyLen)
}

func validateLen(field, v string, max int) *ValidationError {
	if n := utf8.RuneCountInString(v); n < 1 || n > max {
		return invalid(field, "must be between 1 and %d characters", max)
	}
	return nil
}

func requireNonNegative(field string, v *int) (int, error) {
	if v == nil {
		return 0, invalid(field, "this field is required")
	}
	if *v < 0 {
		return 0, invalid(field, "must be greater than or equal to 0")
	}
	return *v, nil
}

func goTypeName(kind string) string {
	switch kind {
	case "int":
		return "integer"
	case "ptr":
		return "value"
	}
	return kind
}
