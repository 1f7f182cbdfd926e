// Package realtime fans out lifecycle events to websocket clients subscribed to
// station, session and user groups.
package realtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"evcharge/backend/services/sessions-service/internal/metrics"
)

// Kind is a group family.
type Kind string

const (
	KindStation Kind = "station"
	KindSession Kind = "session"
	KindUser    Kind = "user"
)

// Valid reports whether k is a known group kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStation, KindSession, KindUser:
		return true
	}
	return false
}

// Group returns the group name for kind and id, e.g. "station:12".
func Group(kind Kind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// ParseGroup splits a group name back into kind and id.
func ParseGroup(group string) (Kind, int64, error) {
	kind, rawID, ok := strings.Cut(group, ":")
	if !ok || !Kind(kind).Valid() {
		return "", 0, fmt.Errorf("realtime: unknown group %q", group)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("realtime: bad group id in %q", group)
	}
	return Kind(kind), id, nil
}

var (
	// ErrBufferFull indicates a slow client whose queue is full.
	ErrBufferFull = errors.New("realtime: send buffer full")
	// ErrClosed indicates a connection that is shutting down.
	ErrClosed = errors.New("realtime: connection closed")
	// ErrNotRegistered indicates a subscribe from an unknown connection.
	ErrNotRegistered = errors.New("realtime: connection not registered")
)

// Conn is one subscriber. Send must not block.
type Conn interface {
	ID() string
	Send(frame []byte) error
}

type closer interface {
	Close() error
}

// Hub tracks connections and their group memberships.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]Conn
	groups  map[string]map[string]Conn
	members map[string]map[string]struct{}
	logger  *zap.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:   make(map[string]Conn),
		groups:  make(map[string]map[string]Conn),
		members: make(map[string]map[string]struct{}),
		logger:  logger,
	}
}

// Register adds a connection with no group memberships.
func (h *Hub) Register(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.ID()]; ok {
		return
	}
	h.conns[conn.ID()] = conn
	h.members[conn.ID()] = make(map[string]struct{})
	metrics.AddRealtimeClients(1)
}

// Unregister removes a connection from every group it joined.
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn.ID())
}

func (h *Hub) removeLocked(id string) {
	if _, ok := h.conns[id]; !ok {
		return
	}
	for group := range h.members[id] {
		delete(h.groups[group], id)
		if len(h.groups[group]) == 0 {
			delete(h.groups, group)
		}
	}
	delete(h.members, id)
	delete(h.conns, id)
	metrics.AddRealtimeClients(-1)
}

// Subscribe joins conn to group.
func (h *Hub) Subscribe(conn Conn, group string) error {
	if _, _, err := ParseGroup(group); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.ID()]; !ok {
		return ErrNotRegistered
	}
	if h.groups[group] == nil {
		h.groups[group] = make(map[string]Conn)
	}
	h.groups[group][conn.ID()] = conn
	h.members[conn.ID()][group] = struct{}{}
	return nil
}

// Unsubscribe removes conn from group.
func (h *Hub) Unsubscribe(conn Conn, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.groups[group]; ok {
		delete(set, conn.ID())
		if len(set) == 0 {
			delete(h.groups, group)
		}
	}
	if groups, ok := h.members[conn.ID()]; ok {
		delete(groups, group)
	}
}

// Publish enqueues frame to every member of group and returns how many accepted it.
// Failed deliveries are logged and counted.
func (h *Hub) Publish(group string, frame []byte) int {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.groups[group]))
	for _, conn := range h.groups[group] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(frame); err != nil {
			result := metrics.ResultFailed
			if errors.Is(err, ErrBufferFull) {
				result = metrics.ResultDropped
			}
			metrics.IncRealtimeDelivery(result)
			h.logger.Warn("realtime delivery failed",
				zap.String("conn_id", conn.ID()),
				zap.String("group", group),
				zap.Error(err),
			)
			continue
		}
		metrics.IncRealtimeDelivery(metrics.ResultDelivered)
		delivered++
	}
	return delivered
}

// Members returns the number of connections in group.
func (h *Hub) Members(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Groups returns the groups a connection belongs to.
func (h *Hub) Groups(conn Conn) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.members[conn.ID()]))
	for group := range h.members[conn.ID()] {
		out = append(out, group)
	}
	return out
}

// Close unregisters every connection and closes those that can be closed.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns))
	for id, conn := range h.conns {
		conns = append(conns, conn)
		h.removeLocked(id)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if c, ok := conn.(closer); ok {
			_ = c.Close()
		}
	}
}
