package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DocumentCounter 报告内存里打开的文档数
type DocumentCounter interface {
	OpenDocuments() int
}

func Healthz(docs DocumentCounter) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "openDocuments": docs.OpenDocuments()})
	}
}
