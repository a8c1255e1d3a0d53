package collab

import (
	"context"
	"time"

	"blockCollab/backend/internal/document"
	"blockCollab/backend/internal/ops"
)

const (
	EventContentUpdated    = "DOC_CONTENT_UPDATED"
	EventTitleUpdated      = "DOC_TITLE_UPDATED"
	EventCollaboratorAdded = "DOC_COLLABORATOR_ADDED"
)

// DocEvent 已提交变更的事件，按 docId 分区写入 Kafka
type DocEvent struct {
	EventID      string                    `json:"eventId"`
	EventType    string                    `json:"eventType"`
	DocID        string                    `json:"docId"`
	AuthorID     uint64                    `json:"authorId"`
	Ops          []ops.Operation           `json:"ops,omitempty"`
	Title        string                    `json:"title,omitempty"`
	Collaborator *document.RawCollaborator `json:"collaborator,omitempty"`
	AppliedAt    time.Time                 `json:"appliedAt"`
}

// EventPublisher 事件出口，实现可以丢弃事件但不能阻塞调用方太久
type EventPublisher interface {
	Enqueue(ctx context.Context, evt DocEvent) error
}
