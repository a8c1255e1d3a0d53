package collab

import (
	"errors"
	"fmt"

	"blockCollab/backend/internal/ops"
)

// 返回给客户端的错误码
const (
	CodeMalformedEnvelope        = "malformed-envelope"
	CodeInvalidAccessToken       = "invalid-access-token"
	CodeUnauthorizedCollaborator = "unauthorized-collaborator"
	CodeDocumentNotFound         = "document-not-found"
	CodeMalformedOperation       = "malformed-operation"
	CodePermissionDenied         = "permission-denied"
	CodeUnknownMessageType       = "unknown-message-type"
	CodePersistenceFailure       = "persistence-failure"
	CodeServerBusy               = "server-busy"
)

// FieldError 错误信封 {"errors": [...]} 里的一项；Operation 是批量操作里的下标
type FieldError struct {
	Code      string `json:"code"`
	Field     string `json:"field"`
	Message   string `json:"message"`
	Operation *int   `json:"operation,omitempty"`
}

func (e FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
}

func NewFieldError(code, field, message string) FieldError {
	return FieldError{Code: code, Field: field, Message: message}
}

func operationErrors(errs []ops.OpError) []FieldError {
	out := make([]FieldError, 0, len(errs))
	for _, e := range errs {
		idx := e.Index
		fe := FieldError{Code: CodeMalformedOperation, Message: e.Err.Error(), Operation: &idx}
		var ve *ops.ValidationError
		if errors.As(e.Err, &ve) {
			fe.Field = ve.Field
			fe.Message = ve.Message
		}
		out = append(out, fe)
	}
	return out
}
