// Package signalingtest provides an in-process signaling relay for tests.
package signalingtest

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/silviot/meshcall/pkg/signaling"
)

var json = jsoniter.ConfigFastest

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Received is one event a client sent to the relay
type Received struct {
	From string
	signaling.Message
}

// Relay is a dumb forwarding server: it tracks room and call membership and
// routes addressed messages between connections, nothing more.
type Relay struct {
	server *httptest.Server
	logger *slog.Logger

	mu       sync.Mutex
	peers    map[string]*peer
	rooms    map[string]map[string]bool
	calls    map[string]*call
	received []Received
	token    string
	refuse   bool
}

type peer struct {
	id     string
	roomID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

type call struct {
	roomID  string
	members map[string]bool
}

// NewRelay starts a relay on a loopback port
func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.TestMode)

	r := &Relay{
		logger: logger,
		peers:  make(map[string]*peer),
		rooms:  make(map[string]map[string]bool),
		calls:  make(map[string]*call),
	}

	engine := gin.New()
	engine.GET("/ws", r.handleWebSocket)
	r.server = httptest.NewServer(engine)

	return r
}

// URL returns the WebSocket URL of the relay
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
}

// RequireToken makes the relay reject connections without this bearer token
func (r *Relay) RequireToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
}

// Refuse makes the relay reject new connections, simulating an outage
func (r *Relay) Refuse(refuse bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refuse = refuse
}

// Kick drops a connection as if the network failed
func (r *Relay) Kick(participantID string) {
	r.mu.Lock()
	p := r.peers[participantID]
	r.mu.Unlock()

	if p != nil {
		p.conn.Close()
	}
}

// ClientCount returns the number of live connections
func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Received returns the events clients sent with the given name
func (r *Relay) Received(event string) []Received {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Received
	for _, m := range r.received {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// Close stops the relay and drops every connection
func (r *Relay) Close() {
	r.mu.Lock()
	for _, p := range r.peers {
		p.conn.Close()
	}
	r.mu.Unlock()

	r.server.CloseClientConnections()
	r.server.Close()
}

// handleWebSocket upgrades a connection and greets it with its id
func (r *Relay) handleWebSocket(c *gin.Context) {
	r.mu.Lock()
	refuse, token := r.refuse, r.token
	r.mu.Unlock()

	if refuse {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay unavailable"})
		return
	}
	if token != "" && c.GetHeader("Authorization") != "Bearer "+token {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	p := &peer{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.peers[p.id] = p
	r.mu.Unlock()

	r.logger.Debug("relay client connected", "participantID", p.id)
	r.sendTo(p, signaling.EventWelcome, signaling.Welcome{ParticipantID: p.id})

	go p.writePump()
	go r.readPump(p)
}

// writePump drains the peer's outbound queue
func (p *peer) writePump() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// readPump routes inbound events until the connection drops
func (r *Relay) readPump(p *peer) {
	defer r.disconnect(p)

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.logger.Warn("relay dropping malformed frame", "from", p.id, "error", err)
			continue
		}

		msg := signaling.Message{Event: env.Event, Data: env.Data}
		r.mu.Lock()
		r.received = append(r.received, Received{From: p.id, Message: msg})
		r.mu.Unlock()

		r.route(p, msg)
	}
}

// route forwards one event according to the relay's membership rules
func (r *Relay) route(from *peer, msg signaling.Message) {
	switch msg.Event {
	case signaling.EventJoinRoom:
		var req signaling.JoinRoom
		if msg.Decode(&req) != nil || req.RoomID == "" {
			return
		}
		r.mu.Lock()
		from.roomID = req.RoomID
		if r.rooms[req.RoomID] == nil {
			r.rooms[req.RoomID] = make(map[string]bool)
		}
		others := r.membersLocked(r.rooms[req.RoomID], from.id)
		r.rooms[req.RoomID][from.id] = true
		r.mu.Unlock()

		r.sendTo(from, signaling.EventAllUsers, signaling.AllUsers{Users: others})
		r.sendToIDs(others, signaling.EventUserJoined, signaling.ParticipantEvent{ParticipantID: from.id})

	case signaling.EventOffer, signaling.EventAnswer:
		var d signaling.Description
		if msg.Decode(&d) != nil {
			return
		}
		r.sendToIDs([]string{d.Target}, msg.Event, signaling.Description{Caller: from.id, SDP: d.SDP})

	case signaling.EventICECandidate:
		var c signaling.Candidate
		if msg.Decode(&c) != nil {
			return
		}
		r.sendToIDs([]string{c.Target}, msg.Event, signaling.Candidate{From: from.id, Candidate: c.Candidate})

	case signaling.EventStartCall:
		var req signaling.StartCall
		if msg.Decode(&req) != nil || req.CallID == "" {
			return
		}
		r.mu.Lock()
		r.calls[req.CallID] = &call{roomID: req.RoomID, members: map[string]bool{from.id: true}}
		others := r.membersLocked(r.rooms[req.RoomID], from.id)
		r.mu.Unlock()

		r.sendToIDs(others, signaling.EventIncomingCall, signaling.IncomingCall{
			CallID:       req.CallID,
			FromUser:     from.id,
			RoomID:       req.RoomID,
			Participants: []string{from.id},
		})

	case signaling.EventAcceptCall:
		var req signaling.CallRef
		if msg.Decode(&req) != nil {
			return
		}
		r.mu.Lock()
		cl := r.calls[req.CallID]
		if cl == nil {
			r.mu.Unlock()
			return
		}
		members := r.membersLocked(cl.members, from.id)
		cl.members[from.id] = true
		r.mu.Unlock()

		r.sendToIDs(members, signaling.EventUserJoinedCall, signaling.UserJoinedCall{UserID: from.id})
		r.sendTo(from, signaling.EventCallAccepted, signaling.CallAccepted{CallID: req.CallID, Participants: members})

	case signaling.EventRejectCall:
		var req signaling.CallRef
		if msg.Decode(&req) != nil {
			return
		}
		r.mu.Lock()
		var members []string
		if cl := r.calls[req.CallID]; cl != nil {
			members = r.membersLocked(cl.members, from.id)
		}
		r.mu.Unlock()

		r.sendToIDs(members, signaling.EventCallRejected, signaling.CallRejected{CallID: req.CallID, UserID: from.id})

	case signaling.EventCallSignal:
		var s signaling.CallSignal
		if msg.Decode(&s) != nil {
			return
		}
		r.sendToIDs([]string{s.UserToSignal}, signaling.EventCallSignal, signaling.CallSignal{FromUser: from.id, Signal: s.Signal})

	case signaling.EventEndCall:
		var req signaling.CallRef
		if msg.Decode(&req) != nil {
			return
		}
		r.mu.Lock()
		var members []string
		if cl := r.calls[req.CallID]; cl != nil {
			members = r.membersLocked(cl.members, from.id)
			delete(r.calls, req.CallID)
		}
		r.mu.Unlock()

		r.sendToIDs(members, signaling.EventCallEnded, signaling.CallEnded{CallID: req.CallID, FromUser: from.id})

	default:
		r.logger.Debug("relay ignoring event", "event", msg.Event, "from", from.id)
	}
}

// disconnect removes a peer from its room and calls and tells the others
func (r *Relay) disconnect(p *peer) {
	close(p.done)
	p.conn.Close()

	r.mu.Lock()
	delete(r.peers, p.id)
	var roomPeers []string
	if members := r.rooms[p.roomID]; members != nil {
		delete(members, p.id)
		roomPeers = r.membersLocked(members, "")
		if len(members) == 0 {
			delete(r.rooms, p.roomID)
		}
	}
	callPeers := make(map[string][]string)
	for id, cl := range r.calls {
		if !cl.members[p.id] {
			continue
		}
		delete(cl.members, p.id)
		callPeers[id] = r.membersLocked(cl.members, "")
		if len(cl.members) == 0 {
			delete(r.calls, id)
		}
	}
	r.mu.Unlock()

	r.logger.Debug("relay client disconnected", "participantID", p.id)

	for _, members := range callPeers {
		r.sendToIDs(members, signaling.EventUserLeftCall, signaling.UserLeftCall{UserID: p.id})
	}
	r.sendToIDs(roomPeers, signaling.EventUserLeft, signaling.ParticipantEvent{ParticipantID: p.id})
}

// membersLocked lists a membership set without exclude. r.mu must be held.
func (r *Relay) membersLocked(set map[string]bool, exclude string) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

// sendToIDs queues an event to every listed live connection
func (r *Relay) sendToIDs(ids []string, event string, payload interface{}) {
	for _, id := range ids {
		r.mu.Lock()
		p := r.peers[id]
		r.mu.Unlock()

		if p == nil {
			r.logger.Debug("relay target not connected", "target", id, "event", event)
			continue
		}
		r.sendTo(p, event, payload)
	}
}

// sendTo queues an event to one connection
func (r *Relay) sendTo(p *peer, event string, payload interface{}) {
	data, err := json.Marshal(struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data"`
	}{event, payload})
	if err != nil {
		r.logger.Error("relay failed to marshal message", "error", err)
		return
	}

	select {
	case p.send <- data:
	case <-p.done:
	default:
		r.logger.Warn("relay send buffer full", "target", p.id, "event", event)
	}
}
