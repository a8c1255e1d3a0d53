package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"blockCollab/backend/internal/auth"
	"blockCollab/backend/internal/collab"
	"blockCollab/backend/internal/document"
)

const (
	DefaultSendBuffer     = 32
	DefaultAcquireTimeout = 200 * time.Millisecond
	DefaultWriteWait      = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultMaxMessageSize = 1 << 20
)

type Options struct {
	SendBuffer     int
	AcquireTimeout time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	// 必须小于 PongWait
	PingPeriod     time.Duration
	MaxMessageSize int64
	// 额外允许的 Origin 前缀，本地开发地址总是允许
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	return o
}

var localOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	prefixes := append(append([]string{}, localOrigins...), allowed...)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
			return true
		}
		for _, p := range prefixes {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}

type Manager struct {
	hub       *Hub
	svc       collab.Service
	sem       *collab.SemaphoreControl
	validator auth.Validator
	upgrader  websocket.Upgrader
	opts      Options
}

func NewManager(h *Hub, svc collab.Service, sem *collab.SemaphoreControl, validator auth.Validator, opts Options) *Manager {
	opts = opts.withDefaults()
	if sem == nil {
		sem = collab.NewSemaphoreControl(collab.DefaultMaxInflight)
	}
	return &Manager{
		hub:       h,
		svc:       svc,
		sem:       sem,
		validator: validator,
		upgrader:  websocket.Upgrader{CheckOrigin: checkOrigin(opts.AllowedOrigins)},
		opts:      opts,
	}
}

// WebSocketConnect 处理 /ws/document/:documentID。
// 鉴权失败只返回状态码，不带 body，也不升级连接。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	docID := c.Param("documentID")
	ctx := c.Request.Context()

	p, err := m.validator.Validate(ctx, auth.TokenFromRequest(c.Request))
	if err != nil {
		if errors.Is(err, auth.ErrUpstream) {
			log.Warn().Err(err).Str("doc", docID).Msg("verify token failed")
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	if _, err := m.svc.Authorize(ctx, docID, p.UserID); err != nil {
		switch {
		case errors.Is(err, document.ErrDocumentNotFound):
			c.AbortWithStatus(http.StatusNotFound)
		case errors.Is(err, document.ErrNotCollaborator):
			c.AbortWithStatus(http.StatusForbidden)
		default:
			log.Error().Err(err).Str("doc", docID).Msg("authorize connection failed")
			c.AbortWithStatus(http.StatusInternalServerError)
		}
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade error")
		return
	}

	wsConn := newConn(conn, m.hub, uuid.NewString(), docID, p, m)
	m.hub.Join(docID, wsConn)
	log.Info().Str("doc", docID).Uint64("user", p.UserID).Str("conn", wsConn.id).Msg("session joined")

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	m.hub.touchPresence(ctx, wsConn)
	m.hub.BroadcastPresence(ctx, docID)

	// 阻塞至连接关闭
	wsConn.readLoop(ctx)

	// 先离开房间再关闭 send，之后不会再有广播写进来
	m.hub.Leave(docID, wsConn)
	close(wsConn.send)
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*presenceTimeout)
	defer cancel()
	if !m.hub.hasUser(docID, p.UserID) {
		m.hub.dropPresence(lctx, wsConn)
	}
	m.hub.BroadcastPresence(lctx, docID)
	log.Info().Str("doc", docID).Uint64("user", p.UserID).Str("conn", wsConn.id).Msg("session left")
}

// Hub 供路由层和测试查看房间
func (m *Manager) Hub() *Hub { return m.hub }
