package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/leandro-lugaresi/hub"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/silviot/meshcall/pkg/media"
	"github.com/silviot/meshcall/pkg/mesh"
	"github.com/silviot/meshcall/pkg/signaling"
)

var (
	// ErrRoomNotFound is returned for operations on a room that was never joined
	ErrRoomNotFound = errors.New("session: room not found")
	// ErrManagerClosed is returned by JoinRoom after Close
	ErrManagerClosed = errors.New("session: manager closed")
)

// Manager manages multiple rooms
type Manager struct {
	rooms  map[string]*Room // roomID -> Room
	mu     sync.RWMutex
	closed bool
	hub    *hub.Hub
	logger *slog.Logger

	// one connect per room id at a time; m.mu is not held while it dials
	joinGroup singleflight.Group

	signalingURL      string
	token             string
	reconnectAttempts int
	reconnectDelay    time.Duration
	joinTimeout       time.Duration

	source      media.Source
	constraints media.Constraints
	meshConfig  mesh.Config
	autoMesh    bool
}

// ManagerConfig holds configuration for the session manager
type ManagerConfig struct {
	SignalingURL      string
	Token             string // bearer token presented to the relay
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	JoinTimeout       time.Duration // wait for the first membership list (default 10s)

	STUN            []string
	TURN            []mesh.TURNServer
	IncludeLoopback bool

	Source      media.Source
	Constraints media.Constraints
	AutoMesh    bool

	Hub    *hub.Hub
	Logger *slog.Logger
}

// NewManager creates a new session manager
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = hub.New()
	}
	if cfg.Source == nil {
		cfg.Source = media.StaticSource{}
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}

	return &Manager{
		rooms:             make(map[string]*Room),
		hub:               cfg.Hub,
		logger:            cfg.Logger,
		signalingURL:      cfg.SignalingURL,
		token:             cfg.Token,
		reconnectAttempts: cfg.ReconnectAttempts,
		reconnectDelay:    cfg.ReconnectDelay,
		joinTimeout:       cfg.JoinTimeout,
		source:            cfg.Source,
		constraints:       cfg.Constraints,
		autoMesh:          cfg.AutoMesh,
		meshConfig: mesh.Config{
			STUN:            cfg.STUN,
			TURN:            cfg.TURN,
			IncludeLoopback: cfg.IncludeLoopback,
		},
	}
}

// JoinRoom connects to the relay and joins a room. Joining a room twice
// returns the existing one; concurrent joins of one id share the attempt.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) (*Room, error) {
	if room, err := m.Room(roomID); err == nil {
		m.logger.Info("room already joined", "roomID", roomID)
		return room, nil
	}

	v, err, _ := m.joinGroup.Do(roomID, func() (interface{}, error) {
		return m.join(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// join dials and waits for the membership list without holding m.mu
func (m *Manager) join(ctx context.Context, roomID string) (*Room, error) {
	m.mu.RLock()
	room, exists := m.rooms[roomID]
	closed := m.closed
	m.mu.RUnlock()
	if exists {
		return room, nil
	}
	if closed {
		return nil, ErrManagerClosed
	}

	client := signaling.NewClient(signaling.Config{
		URL:               m.signalingURL,
		ReconnectAttempts: m.reconnectAttempts,
		ReconnectDelay:    m.reconnectDelay,
		Logger:            m.logger,
	})

	room, err := newRoom(RoomConfig{
		ID:          roomID,
		Client:      client,
		Source:      m.source,
		Constraints: m.constraints,
		Mesh:        m.meshConfig,
		AutoMesh:    m.autoMesh,
		Hub:         m.hub,
		Logger:      m.logger,
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	room.prepare(ctx, m.constraints)

	if err := client.Connect(ctx, m.token); err != nil {
		room.close()
		return nil, fmt.Errorf("failed to connect to signaling relay: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.joinTimeout)
	defer cancel()
	if err := room.waitReady(waitCtx); err != nil {
		room.close()
		return nil, fmt.Errorf("failed to join room: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		room.close()
		return nil, ErrManagerClosed
	}
	m.rooms[roomID] = room
	m.mu.Unlock()

	m.logger.Info("room joined", "roomID", roomID, "participantID", client.ID())
	return room, nil
}

// Room returns a joined room
func (m *Manager) Room(roomID string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return room, nil
}

// RoomIDs returns the joined rooms in sorted order
func (m *Manager) RoomIDs() []string {
	m.mu.RLock()
	ids := lo.Keys(m.rooms)
	m.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// LeaveRoom ends the room's call and closes its connection
func (m *Manager) LeaveRoom(roomID string) error {
	m.mu.Lock()
	room, exists := m.rooms[roomID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	delete(m.rooms, roomID)
	m.mu.Unlock()

	room.close()
	m.logger.Info("room left", "roomID", roomID)

	return nil
}

// RoomCount returns the number of joined rooms
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Hub returns the notification hub
func (m *Manager) Hub() *hub.Hub {
	return m.hub
}

// Close leaves every room. Joins still in flight are closed when they finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, roomID := range m.RoomIDs() {
		if err := m.LeaveRoom(roomID); err != nil {
			m.logger.Error("failed to leave room during shutdown", "roomID", roomID, "error", err)
		}
	}
	return nil
}
