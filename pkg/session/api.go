package session

import (
	"context"
	"errors"
	"io"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gin-gonic/gin"
	"github.com/leandro-lugaresi/hub"

	"github.com/silviot/meshcall/pkg/media"
	"github.com/silviot/meshcall/pkg/signaling"
)

// JoinRoomRequest is the body of POST /api/v1/rooms
type JoinRoomRequest struct {
	RoomID string `json:"roomId"`
}

// Validate checks the request
func (r JoinRoomRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RoomID, validation.Required, validation.Length(1, 128)),
	)
}

// RoomView is the JSON form of a joined room
type RoomView struct {
	RoomID        string        `json:"roomId"`
	ParticipantID string        `json:"participantId"`
	Signaling     string        `json:"signaling"`
	AutoMesh      bool          `json:"autoMesh"`
	Participants  []Participant `json:"participants"`
	Call          Status        `json:"call"`
}

func viewOf(r *Room) RoomView {
	return RoomView{
		RoomID:        r.ID,
		ParticipantID: r.ParticipantID(),
		Signaling:     r.SignalingState().String(),
		AutoMesh:      r.autoMesh,
		Participants:  r.Participants(),
		Call:          r.call.Status(),
	}
}

// Routes registers the control surface on a router
func (m *Manager) Routes(router gin.IRouter) {
	router.GET("/health", m.HandleHealth)

	api := router.Group("/api/v1")
	{
		api.GET("/rooms", m.HandleListRooms)
		api.POST("/rooms", m.HandleJoinRoom)
		api.GET("/rooms/:roomId", m.withRoom(m.HandleGetRoom))
		api.DELETE("/rooms/:roomId", m.HandleLeaveRoom)

		api.GET("/rooms/:roomId/call", m.withRoom(m.HandleCallStatus))
		api.POST("/rooms/:roomId/call/start", m.withRoom(m.HandleStartCall))
		api.POST("/rooms/:roomId/call/accept", m.withRoom(m.HandleAcceptCall))
		api.POST("/rooms/:roomId/call/reject", m.withRoom(m.HandleRejectCall))
		api.POST("/rooms/:roomId/call/end", m.withRoom(m.HandleEndCall))
		api.POST("/rooms/:roomId/call/audio/toggle", m.withRoom(m.HandleToggleAudio))
		api.POST("/rooms/:roomId/call/video/toggle", m.withRoom(m.HandleToggleVideo))
		api.POST("/rooms/:roomId/media/retry", m.withRoom(m.HandleRetryMedia))

		api.GET("/events", m.HandleEvents)
	}
}

// withRoom resolves :roomId before calling h
func (m *Manager) withRoom(h func(*gin.Context, *Room)) gin.HandlerFunc {
	return func(c *gin.Context) {
		room, err := m.Room(c.Param("roomId"))
		if err != nil {
			respondError(c, err)
			return
		}
		h(c, room)
	}
}

// HandleHealth handles GET /health
func (m *Manager) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": m.RoomCount()})
}

// HandleListRooms handles GET /api/v1/rooms
func (m *Manager) HandleListRooms(c *gin.Context) {
	views := []RoomView{}
	for _, id := range m.RoomIDs() {
		if room, err := m.Room(id); err == nil {
			views = append(views, viewOf(room))
		}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": views})
}

// HandleJoinRoom handles POST /api/v1/rooms
func (m *Manager) HandleJoinRoom(c *gin.Context) {
	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := m.JoinRoom(c.Request.Context(), req.RoomID)
	if err != nil {
		m.logger.Error("failed to join room", "roomID", req.RoomID, "error", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(room))
}

// HandleGetRoom handles GET /api/v1/rooms/:roomId
func (m *Manager) HandleGetRoom(c *gin.Context, room *Room) {
	c.JSON(http.StatusOK, viewOf(room))
}

// HandleLeaveRoom handles DELETE /api/v1/rooms/:roomId
func (m *Manager) HandleLeaveRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	if err := m.LeaveRoom(roomID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left", "roomId": roomID})
}

// HandleCallStatus handles GET /api/v1/rooms/:roomId/call
func (m *Manager) HandleCallStatus(c *gin.Context, room *Room) {
	c.JSON(http.StatusOK, room.call.Status())
}

// HandleStartCall handles POST /api/v1/rooms/:roomId/call/start
func (m *Manager) HandleStartCall(c *gin.Context, room *Room) {
	m.callOp(c, room, room.call.StartCall)
}

// HandleAcceptCall handles POST /api/v1/rooms/:roomId/call/accept
func (m *Manager) HandleAcceptCall(c *gin.Context, room *Room) {
	m.callOp(c, room, room.call.AcceptCall)
}

// HandleRejectCall handles POST /api/v1/rooms/:roomId/call/reject
func (m *Manager) HandleRejectCall(c *gin.Context, room *Room) {
	m.callOp(c, room, func(context.Context) error { return room.call.RejectCall() })
}

// HandleEndCall handles POST /api/v1/rooms/:roomId/call/end
func (m *Manager) HandleEndCall(c *gin.Context, room *Room) {
	m.callOp(c, room, func(context.Context) error { return room.call.EndCall() })
}

// HandleToggleAudio handles POST /api/v1/rooms/:roomId/call/audio/toggle
func (m *Manager) HandleToggleAudio(c *gin.Context, room *Room) {
	c.JSON(http.StatusOK, gin.H{"audio": room.call.ToggleAudio()})
}

// HandleToggleVideo handles POST /api/v1/rooms/:roomId/call/video/toggle
func (m *Manager) HandleToggleVideo(c *gin.Context, room *Room) {
	c.JSON(http.StatusOK, gin.H{"video": room.call.ToggleVideo()})
}

// HandleRetryMedia handles POST /api/v1/rooms/:roomId/media/retry
func (m *Manager) HandleRetryMedia(c *gin.Context, room *Room) {
	m.callOp(c, room, room.call.RetryMediaAccess)
}

// callOp runs a call operation and answers with the resulting status
func (m *Manager) callOp(c *gin.Context, room *Room, op func(context.Context) error) {
	if err := op(c.Request.Context()); err != nil {
		m.logger.Warn("call operation failed", "roomID", room.ID, "path", c.FullPath(), "error", err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room.call.Status())
}

// HandleEvents handles GET /api/v1/events as a server-sent event stream.
// ?roomId= restricts the stream to one room.
func (m *Manager) HandleEvents(c *gin.Context) {
	roomID := c.Query("roomId")

	sub := m.hub.NonBlockingSubscribe(64, "call.*", "room.*", "signaling.*")
	defer m.hub.Unsubscribe(sub)

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case msg, ok := <-sub.Receiver:
			if !ok {
				return false
			}
			if roomID != "" && msg.Fields["room_id"] != roomID {
				return true
			}
			c.SSEvent(msg.Name, eventPayload(msg))
			return true
		}
	})
}

// eventPayload converts hub fields to plain JSON values
func eventPayload(msg hub.Message) map[string]interface{} {
	out := make(map[string]interface{}, len(msg.Fields))
	for k, v := range msg.Fields {
		switch v := v.(type) {
		case error:
			out[k] = v.Error()
		case nil:
		default:
			if k == "stream" {
				continue
			}
			out[k] = v
		}
	}
	return out
}

// respondError maps session errors to HTTP statuses
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrStateViolation), errors.Is(err, ErrCancelled):
		status = http.StatusConflict
	case errors.Is(err, media.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, ErrMediaUnavailable), errors.Is(err, ErrSignalingUnavailable),
		errors.Is(err, signaling.ErrConnection), errors.Is(err, signaling.ErrUnavailable),
		errors.Is(err, ErrManagerClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, signaling.ErrTokenExpired):
		status = http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	body := gin.H{"error": err.Error()}
	if errors.Is(err, ErrMediaUnavailable) {
		body["retryable"] = errors.Is(err, media.ErrPermissionDenied)
	}
	c.JSON(status, body)
}
