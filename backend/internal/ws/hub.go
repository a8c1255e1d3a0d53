package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"blockCollab/backend/internal/cache"
)

const (
	DefaultPresenceTTL = 600 * time.Second
	presenceTimeout    = 500 * time.Millisecond
)

type Hub struct {
	// 在线成员写到 redis，多个实例共享
	presence    cache.PresenceCache
	presenceTTL time.Duration
	// 保护 rooms；广播时持读锁遍历，Leave 返回后不会再有人往该连接的 send 里写
	mu sync.RWMutex
	// docID -> set of connections
	// 一个用户可开多个标签页/设备，广播要逐连接发
	rooms map[string]map[*Conn]struct{}
	// 房间清空时回调，用来释放内存里的文档
	onEmpty func(docID string)
}

func NewHub(p cache.PresenceCache, presenceTTL time.Duration, onEmpty func(docID string)) *Hub {
	if p == nil {
		p = cache.NewNoopPresence()
	}
	if presenceTTL <= 0 {
		presenceTTL = DefaultPresenceTTL
	}
	return &Hub{presence: p, presenceTTL: presenceTTL, rooms: make(map[string]map[*Conn]struct{}), onEmpty: onEmpty}
}

// Join 将连接加入指定文档房间，房间不存在时创建
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除，最后一个人离开时删除房间
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	empty := false
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
			empty = true
		}
	}
	h.mu.Unlock()
	if empty && h.onEmpty != nil {
		h.onEmpty(docID)
	}
}

// RoomSize 房间里的连接数
func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

// hasUser 同一用户在房间里是否还有别的连接
func (h *Hub) hasUser(docID string, userID uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[docID] {
		if c.principal.UserID == userID {
			return true
		}
	}
	return false
}

// Broadcast 把 msg 放进房间内每个连接的发送队列（包括发送者自己）。
// 只入队不写网络，可以在文档锁内调用；队列满的连接会被断开。
func (h *Hub) Broadcast(docID string, msg any) error {
	pm, err := prepare(msg)
	if err != nil {
		return err
	}
	var slow []*Conn
	h.mu.RLock()
	for c := range h.rooms[docID] {
		if !c.enqueue(pm) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		log.Warn().Str("doc", docID).Str("conn", c.id).Uint64("user", c.principal.UserID).Msg("send queue full, closing slow connection")
		c.kick()
	}
	return nil
}

// BroadcastPresence 刷新房间在线成员并广播
func (h *Hub) BroadcastPresence(ctx context.Context, docID string) {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	members, err := h.presence.GetAliveMembersWithNames(ctx, docID)
	if err != nil {
		log.Warn().Err(err).Str("doc", docID).Msg("get presence members failed")
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	if err := h.Broadcast(docID, ServerMessage{Type: TypePresence, Body: presenceBody{Document: docID, Members: members}}); err != nil {
		log.Warn().Err(err).Str("doc", docID).Msg("broadcast presence failed")
	}
}

// touchPresence 加入房间或心跳时刷新 TTL
func (h *Hub) touchPresence(ctx context.Context, c *Conn) {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	if err := h.presence.AddMember(ctx, c.docID, c.principal.UserID, c.principal.Username, h.presenceTTL); err != nil {
		log.Warn().Err(err).Str("doc", c.docID).Uint64("user", c.principal.UserID).Msg("add presence member failed")
	}
}

func (h *Hub) dropPresence(ctx context.Context, c *Conn) {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()
	if err := h.presence.RemoveMember(ctx, c.docID, c.principal.UserID); err != nil {
		log.Warn().Err(err).Str("doc", c.docID).Uint64("user", c.principal.UserID).Msg("remove presence member failed")
	}
}

// 每个连接写同一份已编码的帧，消息只序列化一次
func prepare(msg any) (*websocket.PreparedMessage, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return websocket.NewPreparedMessage(websocket.TextMessage, data)
}
