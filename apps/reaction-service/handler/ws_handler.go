package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"commentkit/apps/reaction-service/model"
	tracecontext "commentkit/pkg/context"
	"commentkit/pkg/logger"
	"commentkit/pkg/server"
)

const (
	sendBuffer = 16
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// subscriber 单个 WebSocket 订阅
type subscriber struct {
	blogID    int64
	commentID *int64 // nil 时接收博客下所有目标
	visitorID string
	send      chan []byte
}

func (s *subscriber) wants(update *model.CountsUpdate) bool {
	if update.Excluding != "" && update.Excluding == s.visitorID {
		return false
	}
	if s.commentID == nil {
		return true
	}
	return update.CommentID != nil && *update.CommentID == *s.commentID
}

// Hub 本进程的计数订阅表，由一个 redis 模式订阅驱动
type Hub struct {
	mu     sync.RWMutex
	blogs  map[int64]map[*subscriber]struct{}
	logger logger.Logger
}

// NewHub 创建订阅表
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		blogs:  make(map[int64]map[*subscriber]struct{}),
		logger: log,
	}
}

func (h *Hub) register(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.blogs[s.blogID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.blogs[s.blogID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.blogs[s.blogID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.blogs, s.blogID)
		}
	}
}

// Subscribers 当前订阅数
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.blogs {
		n += len(set)
	}
	return n
}

// Dispatch 将一条计数更新投递给匹配的订阅，返回投递数
// 发送缓冲满的订阅直接丢弃这条更新，下一条更新会带上最新计数
func (h *Hub) Dispatch(payload []byte) int {
	var update model.CountsUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		h.logger.Warn(context.Background(), "Dropping malformed counts update", logger.F("error", err.Error()))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.blogs[update.BlogID] {
		if !s.wants(&update) {
			continue
		}
		select {
		case s.send <- payload:
			delivered++
		default:
			h.logger.Debug(context.Background(), "Subscriber buffer full, update dropped",
				logger.F("blogID", update.BlogID),
				logger.F("visitorID", s.visitorID))
		}
	}
	return delivered
}

// Run 消费订阅消息直到 ctx 结束或通道关闭
func (h *Hub) Run(ctx context.Context, messages <-chan *goredis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			h.Dispatch([]byte(msg.Payload))
		}
	}
}

// WSHandler 实时计数推送处理器
type WSHandler struct {
	hub    *Hub
	logger logger.Logger
}

// NewWSHandler 创建WebSocket处理器
func NewWSHandler(hub *Hub, log logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log,
	}
}

// RegisterRoutes 注册WebSocket路由
func (ws *WSHandler) RegisterRoutes(srv *server.WebSocketServerWrapper) {
	srv.RegisterHandler("/api/v1/blogs/:blog/reactions/ws", ws)
}

// HandleConnection 订阅博客计数，comment_id 查询参数限定到单条评论
func (ws *WSHandler) HandleConnection(conn *websocket.Conn, r *http.Request) {
	ctx := r.Context()

	blogID, err := strconv.ParseInt(server.PathParam(r, "blog"), 10, 64)
	if err != nil || blogID <= 0 {
		ws.closeWith(conn, websocket.ClosePolicyViolation, "invalid blog id")
		return
	}

	sub := &subscriber{
		blogID:    blogID,
		visitorID: tracecontext.GetVisitorID(ctx),
		send:      make(chan []byte, sendBuffer),
	}
	if raw := r.URL.Query().Get("comment_id"); raw != "" {
		commentID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || commentID <= 0 {
			ws.closeWith(conn, websocket.ClosePolicyViolation, "invalid comment id")
			return
		}
		sub.commentID = &commentID
	}

	ws.hub.register(sub)
	defer ws.hub.unregister(sub)

	ws.logger.Debug(ctx, "Reaction subscriber connected",
		logger.F("blogID", blogID),
		logger.F("visitorID", sub.visitorID))

	done := make(chan struct{})
	go ws.readLoop(conn, done)
	ws.writeLoop(ctx, conn, sub, done)
}

// readLoop 只处理控制帧，连接断开时关闭 done
func (ws *WSHandler) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (ws *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			ws.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case payload := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				ws.logger.Debug(ctx, "Failed to write counts update",
					logger.F("blogID", sub.blogID),
					logger.F("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ws *WSHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
