package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"blockCollab/backend/internal/cache"
	"blockCollab/backend/internal/collab"
	"blockCollab/backend/internal/document"
	"blockCollab/backend/internal/ops"
)

// 客户端可以发送的消息类型
const (
	TypeUpdateContent   = "update_document_content"
	TypeUpdateTitle     = "update_document_title"
	TypeAddCollaborator = "add_new_collaborator"
	// 只由服务端发送
	TypePresence = "presence"
)

// ClientMessage 客户端发来的信封，每条消息都带 access_token
type ClientMessage struct {
	Type        string          `json:"type"`
	AccessToken string          `json:"access_token"`
	Body        json.RawMessage `json:"body"`
}

// ServerMessage 广播给房间的信封，去掉了 access_token
type ServerMessage struct {
	Type string `json:"type"`
	Body any    `json:"body"`
}

type ErrorMessage struct {
	Errors []collab.FieldError `json:"errors"`
}

type contentBody struct {
	Data []ops.Operation `json:"data"`
}

type titleBody struct {
	Title string `json:"title"`
}

type collaboratorBody struct {
	User         uint64                   `json:"user"`
	Permission   document.Permission      `json:"permission"`
	Document     string                   `json:"document"`
	Collaborator document.RawCollaborator `json:"collaborator"`
}

type presenceBody struct {
	Document string                 `json:"document"`
	Members  []cache.PresenceMember `json:"members"`
}

// 入站 body

type contentRequest struct {
	Data json.RawMessage `json:"data"`
}

type titleRequest struct {
	Title *string `json:"title"`
}

type collaboratorRequest struct {
	User       *uint64 `json:"user"`
	Permission *int    `json:"permission"`
}

func requiredField(field string) collab.FieldError {
	return collab.NewFieldError(collab.CodeMalformedEnvelope, field, "this field is required")
}

// decodeBody 把 body 解到 dst，body 缺失或不是对象时返回 malformed-envelope
func decodeBody(raw json.RawMessage, dst any) *collab.FieldError {
	if len(raw) == 0 || string(raw) == "null" {
		fe := requiredField("body")
		return &fe
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field != "" {
			fe := collab.NewFieldError(collab.CodeMalformedEnvelope, te.Field, fmt.Sprintf("expected %s", te.Type))
			return &fe
		}
		fe := collab.NewFieldError(collab.CodeMalformedEnvelope, "body", "expected an object")
		return &fe
	}
	return nil
}

// parseOperations 取出 body.data 里的原始操作列表，具体操作留给引擎逐条校验
func parseOperations(raw json.RawMessage) ([]json.RawMessage, *collab.FieldError) {
	var req contentRequest
	if fe := decodeBody(raw, &req); fe != nil {
		return nil, fe
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		fe := requiredField("data")
		return nil, &fe
	}
	var list []json.RawMessage
	if err := json.Unmarshal(req.Data, &list); err != nil {
		fe := collab.NewFieldError(collab.CodeMalformedEnvelope, "data", "expected a list of operations")
		return nil, &fe
	}
	if len(list) == 0 {
		fe := collab.NewFieldError(collab.CodeMalformedEnvelope, "data", "this list may not be empty")
		return nil, &fe
	}
	return list, nil
}
