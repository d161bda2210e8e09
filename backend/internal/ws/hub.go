package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Hub 持有当前进程所有 websocket 连接，以及 room（协作会话）到连接的映射。
// 广播时先在读锁下拍快照，再在锁外逐个投递，慢连接不会拖住锁
type Hub struct {
	mu sync.RWMutex
	// connID -> conn
	conns map[string]*Conn
	// room -> connID -> conn
	rooms map[string]map[string]*Conn
	// connID -> set of rooms，断开时用来清理
	connRooms map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns:     make(map[string]*Conn),
		rooms:     make(map[string]map[string]*Conn),
		connRooms: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
}

// Unregister 移除连接及其所有房间成员关系
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.ID())
	for room := range h.connRooms[c.ID()] {
		h.leaveLocked(room, c.ID())
	}
	delete(h.connRooms, c.ID())
}

// Join 将连接加入房间；未注册的连接忽略
func (h *Hub) Join(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID()]; !ok {
		return
	}
	if h.rooms[room] == nil {
		// 房间里按连接存，而不是按 userID：一个用户可以开多个标签页
		h.rooms[room] = make(map[string]*Conn)
	}
	h.rooms[room][c.ID()] = c
	if h.connRooms[c.ID()] == nil {
		h.connRooms[c.ID()] = make(map[string]struct{})
	}
	h.connRooms[c.ID()][room] = struct{}{}
}

// Leave 将连接从房间移除
func (h *Hub) Leave(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, c.ID())
}

func (h *Hub) leaveLocked(room, connID string) {
	if conns, ok := h.rooms[room]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.connRooms[connID]; ok {
		delete(rooms, room)
	}
}

// ForEachOpenConnection 对每个处于 open 状态的连接调用 fn
func (h *Hub) ForEachOpenConnection(fn func(Connection)) {
	h.mu.RLock()
	snapshot := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		if c.IsOpen() {
			fn(c)
		}
	}
}

// ForEachInRoom 只遍历订阅了 room 的连接
func (h *Hub) ForEachInRoom(room string, fn func(Connection)) {
	h.mu.RLock()
	snapshot := make([]*Conn, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		if c.IsOpen() {
			fn(c)
		}
	}
}

func (h *Hub) OpenConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close 关闭所有连接，进程退出时调用
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	// Close 内部会 Unregister，必须在锁外调用
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutdown")
	}
}
