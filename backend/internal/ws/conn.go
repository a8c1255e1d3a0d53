package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"blockCollab/backend/internal/auth"
	"blockCollab/backend/internal/collab"
	"blockCollab/backend/internal/document"
	"blockCollab/backend/internal/ops"
)

type Conn struct {
	ws        *websocket.Conn
	hub       *Hub
	id        string
	docID     string
	principal auth.Principal
	// 发送队列，由 writeLoop 独占消费；只有 readLoop 退出并 Leave 之后才会被关闭
	send chan *websocket.PreparedMessage
	// 协作引擎服务
	svc       collab.Service
	validator auth.Validator
	// 信号量控制
	sem  *collab.SemaphoreControl
	opts Options

	kickOnce sync.Once
	stop     func()
}

func newConn(ws *websocket.Conn, hub *Hub, id, docID string, p auth.Principal, m *Manager) *Conn {
	c := &Conn{
		ws:        ws,
		hub:       hub,
		id:        id,
		docID:     docID,
		principal: p,
		send:      make(chan *websocket.PreparedMessage, m.opts.SendBuffer),
		svc:       m.svc,
		validator: m.validator,
		sem:       m.sem,
		opts:      m.opts,
	}
	if ws != nil {
		c.stop = func() { _ = ws.Close() }
	}
	return c
}

// enqueue 不阻塞，队列满时返回 false
func (c *Conn) enqueue(pm *websocket.PreparedMessage) bool {
	select {
	case c.send <- pm:
		return true
	default:
		return false
	}
}

// kick 关闭底层连接，readLoop 随后退出并清理
func (c *Conn) kick() {
	c.kickOnce.Do(func() {
		if c.stop != nil {
			c.stop()
		}
	})
}

// reply 只发给当前连接
func (c *Conn) reply(msg any) {
	pm, err := prepare(msg)
	if err != nil {
		log.Error().Err(err).Str("conn", c.id).Msg("encode reply failed")
		return
	}
	if !c.enqueue(pm) {
		log.Warn().Str("doc", c.docID).Str("conn", c.id).Msg("send queue full, closing connection")
		c.kick()
	}
}

func (c *Conn) replyErrors(errs ...collab.FieldError) {
	c.reply(ErrorMessage{Errors: errs})
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		// pong 当作心跳，顺便续期在线状态
		c.hub.touchPresence(ctx, c)
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("doc", c.docID).Str("conn", c.id).Msg("read message error")
			}
			return
		}
		c.handle(ctx, data)
	}
}

// handle 处理一条消息；同一连接的消息严格按到达顺序处理
func (c *Conn) handle(ctx context.Context, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.replyErrors(collab.NewFieldError(collab.CodeMalformedEnvelope, "", "message is not a valid JSON envelope"))
		return
	}
	if msg.Type == "" {
		c.replyErrors(requiredField("type"))
		return
	}

	// 令牌可能在会话中途过期，每条消息都重新校验
	p, err := c.validator.Validate(ctx, msg.AccessToken)
	if err != nil || p.UserID != c.principal.UserID {
		if errors.Is(err, auth.ErrUpstream) {
			log.Warn().Err(err).Str("conn", c.id).Msg("verify token failed")
		}
		c.replyErrors(collab.NewFieldError(collab.CodeInvalidAccessToken, "access_token", "access token is invalid or expired"))
		return
	}

	actx, cancel := context.WithTimeout(ctx, c.opts.AcquireTimeout)
	err = c.sem.Acquire(actx)
	cancel()
	if err != nil {
		c.replyErrors(collab.NewFieldError(collab.CodeServerBusy, "", "server is busy, please retry"))
		return
	}
	defer func() { _ = c.sem.Release() }()

	var errs []collab.FieldError
	switch msg.Type {
	case TypeUpdateContent:
		errs = c.updateContent(ctx, msg)
	case TypeUpdateTitle:
		errs = c.updateTitle(ctx, msg)
	case TypeAddCollaborator:
		errs = c.addCollaborator(ctx, msg)
	default:
		errs = []collab.FieldError{collab.NewFieldError(collab.CodeUnknownMessageType, "type", "unknown message type "+msg.Type)}
	}
	if len(errs) > 0 {
		c.replyErrors(errs...)
	}
}

// 下面的 commit 回调都在文档锁内执行，房间里每个连接看到同样的提交顺序

func (c *Conn) updateContent(ctx context.Context, msg ClientMessage) []collab.FieldError {
	list, fe := parseOperations(msg.Body)
	if fe != nil {
		return []collab.FieldError{*fe}
	}
	return c.svc.UpdateContent(ctx, c.docID, c.principal.UserID, list, func(applied []ops.Operation) {
		c.broadcast(ServerMessage{Type: msg.Type, Body: contentBody{Data: applied}})
	})
}

func (c *Conn) updateTitle(ctx context.Context, msg ClientMessage) []collab.FieldError {
	var req titleRequest
	if fe := decodeBody(msg.Body, &req); fe != nil {
		return []collab.FieldError{*fe}
	}
	if req.Title == nil {
		return []collab.FieldError{requiredField("title")}
	}
	return c.svc.UpdateTitle(ctx, c.docID, c.principal.UserID, *req.Title, func(title string) {
		c.broadcast(ServerMessage{Type: msg.Type, Body: titleBody{Title: title}})
	})
}

func (c *Conn) addCollaborator(ctx context.Context, msg ClientMessage) []collab.FieldError {
	var req collaboratorRequest
	if fe := decodeBody(msg.Body, &req); fe != nil {
		return []collab.FieldError{*fe}
	}
	var errs []collab.FieldError
	if req.User == nil {
		errs = append(errs, requiredField("user"))
	}
	if req.Permission == nil {
		errs = append(errs, requiredField("permission"))
	}
	if len(errs) > 0 {
		return errs
	}
	perm := document.Permission(*req.Permission)
	return c.svc.AddCollaborator(ctx, c.docID, c.principal.UserID, *req.User, perm, func(added document.Collaborator) {
		c.broadcast(ServerMessage{Type: msg.Type, Body: collaboratorBody{
			User:         added.User,
			Permission:   added.Permission,
			Document:     c.docID,
			Collaborator: added.Raw(),
		}})
	})
}

func (c *Conn) broadcast(msg ServerMessage) {
	if err := c.hub.Broadcast(c.docID, msg); err != nil {
		log.Error().Err(err).Str("doc", c.docID).Str("type", msg.Type).Msg("broadcast failed")
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.kick()
	}()
	for {
		select {
		case pm, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WritePreparedMessage(pm); err != nil {
				log.Debug().Err(err).Str("conn", c.id).Msg("write message error")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
