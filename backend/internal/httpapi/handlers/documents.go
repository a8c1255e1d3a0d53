package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"blockCollab/backend/internal/collab"
	"blockCollab/backend/internal/document"
	"blockCollab/backend/internal/httpapi/middleware"
)

type createDocumentRequest struct {
	Title  string              `json:"title"`
	Editor *document.RawEditor `json:"editor"`
}

type documentResponse struct {
	document.RawDocument
	Permission    string                     `json:"permission"`
	Collaborators []document.RawCollaborator `json:"collaborators"`
}

func newDocumentResponse(doc *document.Document, userID uint64) documentResponse {
	resp := documentResponse{RawDocument: doc.Raw(), Collaborators: make([]document.RawCollaborator, 0, len(doc.Collaborators))}
	for _, c := range doc.Collaborators {
		resp.Collaborators = append(resp.Collaborators, c.Raw())
		if c.User == userID {
			resp.Permission = c.Permission.String()
		}
	}
	return resp
}

type DocumentHandler struct {
	svc collab.Service
}

func NewDocumentHandler(svc collab.Service) *DocumentHandler {
	return &DocumentHandler{svc: svc}
}

// CreateDocument POST /documents，创建者成为 owner，可以带 Draft.js 格式的初始块
func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	// 从gin.Context获取用户信息；gin.Context对每个用户天然隔离
	ownerID := c.GetUint64(middleware.CtxUserID)
	if ownerID == 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "User context missing"})
		return
	}

	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	var blocks []*document.Block
	if req.Editor != nil {
		var err error
		if blocks, err = document.BlocksFromRaw(req.Editor.Blocks); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	doc, err := h.svc.CreateDocument(c.Request.Context(), ownerID, req.Title, blocks)
	if err != nil {
		if errors.Is(err, document.ErrTitleTooLong) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Uint64("user", ownerID).Msg("create document failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create document failed"})
		return
	}
	c.JSON(http.StatusCreated, newDocumentResponse(doc, ownerID))
}

// GetDocument GET /documents/:documentID，只有协作者能读
func (h *DocumentHandler) GetDocument(c *gin.Context) {
	userID := c.GetUint64(middleware.CtxUserID)
	documentID := c.Param("documentID")

	doc, err := h.svc.Snapshot(c.Request.Context(), documentID, userID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, newDocumentResponse(doc, userID))
	case errors.Is(err, document.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
	case errors.Is(err, document.ErrNotCollaborator):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a collaborator of this document"})
	default:
		log.Error().Err(err).Str("doc", documentID).Msg("load document failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load document failed"})
	}
}
