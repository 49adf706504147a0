package server

import (
	"errors"
	"sync"

	"github.com/cowritehq/cowrite/internal/auth"
	"github.com/cowritehq/cowrite/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opCreateRoom   = "hub.create_room"
	opJoinRoom     = "hub.join_room"
	opLeaveRoom    = "hub.leave_room"
	opSaveState    = "hub.save_state"
	opRecoverState = "hub.recover_state"
	opRelay        = "hub.relay"
	opTeardown     = "hub.teardown"

	reasonMissingTokens = "missing_token_issuer"
	reasonMissingStore  = "missing_recovery_store"
	reasonStoreFailed   = "store_failed"
	reasonTokenFailed   = "token_issue_failed"
	reasonNoRoom        = "not_in_room"
	reasonNoHost        = "no_host"
)

var (
	errMissingTokenIssuer   = errors.New("server: doc token issuer required")
	errMissingRecoveryStore = errors.New("server: recovery store required")
)

// room is the server-side record of one collaborative session. The host's
// disk is authoritative for the room's filesystem; the room dies with the
// host's connection.
type room struct {
	name     string
	password string
	hostID   string
	members  map[string]struct{}
	watches  map[string]map[string]struct{}
}

func (r *room) hasPassword() bool {
	return r.password != ""
}

// HubConfig configures the coordination hub.
type HubConfig struct {
	Tokens *auth.DocTokenIssuer
	Store  *RecoveryStore
	Logger *zap.Logger
}

// Hub owns all server-side room state: participants, rooms, filesystem RPC
// relaying and per-document channels.
type Hub struct {
	tokens *auth.DocTokenIssuer
	store  *RecoveryStore
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*client
	rooms   map[string]*room
	docs    map[docKey]*docChannel
}

// NewHub constructs a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if cfg.Store == nil {
		return nil, errMissingRecoveryStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		tokens:  cfg.Tokens,
		store:   cfg.Store,
		logger:  logger,
		clients: make(map[string]*client),
		rooms:   make(map[string]*room),
		docs:    make(map[docKey]*docChannel),
	}, nil
}

func (hub *Hub) register(connection *client) {
	hub.mu.Lock()
	hub.clients[connection.participantID] = connection
	hub.mu.Unlock()
}

// RoomList returns the listing served to getRooms and GET /rooms.
func (hub *Hub) RoomList() map[string]protocol.RoomInfo {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	listing := make(map[string]protocol.RoomInfo, len(hub.rooms))
	for name, record := range hub.rooms {
		listing[name] = protocol.RoomInfo{
			HasPassword: record.hasPassword(),
			MemberCount: len(record.members),
		}
	}
	return listing
}

// dispatch handles one envelope received from a coordination connection.
func (hub *Hub) dispatch(sender *client, envelope protocol.Envelope) {
	switch envelope.Type {
	case protocol.TypeCreateRoom:
		hub.handleCreateRoom(sender, envelope)
	case protocol.TypeJoinRoom:
		hub.handleJoinRoom(sender, envelope)
	case protocol.TypeLeaveRoom:
		hub.handleLeaveRoom(sender, envelope)
	case protocol.TypeGetRooms:
		sender.respond(envelope, protocol.RoomListPayload{Rooms: hub.RoomList()})
	case protocol.TypeSaveState:
		hub.handleSaveState(sender, envelope)
	case protocol.TypeRecoverState:
		hub.handleRecoverState(sender, envelope)
	case protocol.TypeFSRequest:
		hub.relayToHost(sender, envelope)
	case protocol.TypeFSResponse:
		hub.relayToParticipant(envelope)
	case protocol.TypeFileChanged:
		hub.relayFileChanged(sender, envelope)
	case protocol.TypeWatchFile:
		hub.handleWatch(sender, envelope, true)
	case protocol.TypeUnwatchFile:
		hub.handleWatch(sender, envelope, false)
	default:
		hub.logger.Debug("ignoring unknown envelope type", zap.String("type", string(envelope.Type)))
	}
}

func (hub *Hub) handleCreateRoom(sender *client, envelope protocol.Envelope) {
	var request protocol.CreateRoomPayload
	if err := protocol.DecodePayload(envelope, &request); err != nil {
		sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusBadRequest})
		return
	}

	hub.mu.Lock()
	if _, taken := hub.rooms[request.Name]; taken {
		hub.mu.Unlock()
		sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusRoomExists})
		return
	}
	record := &room{
		name:     request.Name,
		password: request.Password,
		hostID:   sender.participantID,
		members:  map[string]struct{}{sender.participantID: {}},
		watches:  make(map[string]map[string]struct{}),
	}
	hub.rooms[request.Name] = record
	sender.roomName = request.Name
	hub.mu.Unlock()

	hub.logger.Info("room created",
		zap.String("room", request.Name),
		zap.String("host_id", sender.participantID))
	sender.respond(envelope, hub.grantPayload(protocol.StatusCreatedRoom, sender.participantID, record))
}

func (hub *Hub) handleJoinRoom(sender *client, envelope protocol.Envelope) {
	var request protocol.JoinRoomPayload
	if err := protocol.DecodePayload(envelope, &request); err != nil {
		sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusBadRequest})
		return
	}

	hub.mu.Lock()
	record, exists := hub.rooms[request.Name]
	if !exists {
		hub.mu.Unlock()
		sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusRoomNotFound})
		return
	}
	if record.hasPassword() && record.password != request.Password {
		hub.mu.Unlock()
		sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusWrongPassword})
		return
	}
	record.members[sender.participantID] = struct{}{}
	sender.roomName = request.Name
	hub.mu.Unlock()

	hub.logger.Info("participant joined room",
		zap.String("room", request.Name),
		zap.String("participant_id", sender.participantID))
	sender.respond(envelope, hub.grantPayload(protocol.StatusJoinedRoom, sender.participantID, record))
}

func (hub *Hub) grantPayload(status, participantID string, record *room) protocol.RoomStatusPayload {
	payload := protocol.RoomStatusPayload{
		Status:        status,
		HostID:        record.hostID,
		ParticipantID: participantID,
	}
	token, err := hub.tokens.Issue(participantID, record.name)
	if err != nil {
		hub.logger.Error("doc token issue failed",
			zap.String("op", opJoinRoom),
			zap.String("reason", reasonTokenFailed),
			zap.Error(err))
		return payload
	}
	payload.DocToken = token
	return payload
}

func (hub *Hub) handleLeaveRoom(sender *client, envelope protocol.Envelope) {
	hub.mu.Lock()
	record, inRoom := hub.rooms[sender.roomName]
	participantID := sender.participantID
	if inRoom {
		delete(record.members, participantID)
		delete(record.watches, participantID)
	}
	sender.roomName = ""
	var remaining []*client
	if inRoom {
		remaining = hub.roomClientsLocked(record)
	}
	hub.mu.Unlock()

	if !inRoom {
		sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusLeftRoom})
		return
	}

	// An explicit leave invalidates the leaver's recovery credentials; only
	// a hard host disconnect tears the room down.
	if err := hub.store.InvalidateParticipant(participantID); err != nil {
		hub.logger.Warn("credential invalidation failed",
			zap.String("op", opLeaveRoom),
			zap.String("reason", reasonStoreFailed),
			zap.Error(err))
	}
	hub.broadcastUserLeft(remaining, participantID)
	sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusLeftRoom})
}

func (hub *Hub) handleSaveState(sender *client, envelope protocol.Envelope) {
	var request protocol.SaveStatePayload
	if err := protocol.DecodePayload(envelope, &request); err != nil {
		sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusNotRecovered})
		return
	}

	hub.mu.Lock()
	roomName := sender.roomName
	hub.mu.Unlock()
	if roomName == "" {
		sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusNotRecovered})
		return
	}

	if err := hub.store.Save(request.RecoverySecret, sender.participantID, roomName); err != nil {
		hub.logger.Error("recovery state save failed",
			zap.String("op", opSaveState),
			zap.String("reason", reasonStoreFailed),
			zap.Error(err))
		sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusNotRecovered})
		return
	}
	sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusStateSaved})
}

func (hub *Hub) handleRecoverState(sender *client, envelope protocol.Envelope) {
	var request protocol.RecoverStatePayload
	if err := protocol.DecodePayload(envelope, &request); err != nil {
		sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusNotRecovered})
		return
	}

	record, found, err := hub.store.Consume(request.RecoverySecret)
	if err != nil {
		hub.logger.Error("recovery lookup failed",
			zap.String("op", opRecoverState),
			zap.String("reason", reasonStoreFailed),
			zap.Error(err))
	}
	if err != nil || !found || record.ParticipantID != request.ParticipantID {
		sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusNotRecovered})
		return
	}

	hub.mu.Lock()
	roomRecord, roomAlive := hub.rooms[record.RoomName]
	if !roomAlive {
		hub.mu.Unlock()
		sender.respond(envelope, protocol.RoomStatusPayload{Status: protocol.StatusNotRecovered})
		return
	}
	// Rebind the connection to its recovered identity and resume membership.
	delete(hub.clients, sender.participantID)
	sender.participantID = record.ParticipantID
	hub.clients[record.ParticipantID] = sender
	roomRecord.members[record.ParticipantID] = struct{}{}
	sender.roomName = record.RoomName
	hub.mu.Unlock()

	hub.logger.Info("membership recovered",
		zap.String("room", record.RoomName),
		zap.String("participant_id", record.ParticipantID))
	sender.respond(envelope, hub.grantPayload(protocol.StatusRecovered, record.ParticipantID, roomRecord))
}

func (hub *Hub) relayToHost(sender *client, envelope protocol.Envelope) {
	hub.mu.Lock()
	record, inRoom := hub.rooms[sender.roomName]
	var host *client
	if inRoom {
		host = hub.clients[record.hostID]
	}
	hub.mu.Unlock()

	if host == nil {
		// Host unreachable and path missing are indistinguishable to the
		// guest; an empty failed response covers both.
		failure, err := protocol.NewEnvelope(protocol.TypeFSResponse, envelope.ID, protocol.FSResponsePayload{Ok: false, Error: reasonNoHost})
		if err == nil {
			sender.enqueue(failure)
		}
		return
	}

	envelope.From = sender.participantID
	host.enqueue(envelope)
}

func (hub *Hub) relayToParticipant(envelope protocol.Envelope) {
	hub.mu.Lock()
	target := hub.clients[envelope.To]
	hub.mu.Unlock()
	if target == nil {
		hub.logger.Debug("dropping response for departed participant",
			zap.String("op", opRelay),
			zap.String("participant_id", envelope.To))
		return
	}
	envelope.To = ""
	target.enqueue(envelope)
}

func (hub *Hub) relayFileChanged(sender *client, envelope protocol.Envelope) {
	hub.mu.Lock()
	record, inRoom := hub.rooms[sender.roomName]
	if !inRoom || record.hostID != sender.participantID {
		hub.mu.Unlock()
		return
	}
	var targets []*client
	for participantID := range record.members {
		if participantID == sender.participantID {
			continue
		}
		if len(record.watches[participantID]) == 0 {
			continue
		}
		if target := hub.clients[participantID]; target != nil {
			targets = append(targets, target)
		}
	}
	hub.mu.Unlock()

	for _, target := range targets {
		target.enqueue(envelope)
	}
}

func (hub *Hub) handleWatch(sender *client, envelope protocol.Envelope, register bool) {
	var request protocol.WatchPayload
	if err := protocol.DecodePayload(envelope, &request); err != nil {
		return
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	record, inRoom := hub.rooms[sender.roomName]
	if !inRoom {
		return
	}
	paths := record.watches[sender.participantID]
	if register {
		if paths == nil {
			paths = make(map[string]struct{})
			record.watches[sender.participantID] = paths
		}
		paths[request.Path] = struct{}{}
		return
	}
	// Unregistering is idempotent.
	if paths != nil {
		delete(paths, request.Path)
		if len(paths) == 0 {
			delete(record.watches, sender.participantID)
		}
	}
}

// disconnect handles a dropped coordination connection: host drops tear the
// room down, member drops shrink it.
func (hub *Hub) disconnect(connection *client) {
	hub.mu.Lock()
	if current, ok := hub.clients[connection.participantID]; !ok || current != connection {
		hub.mu.Unlock()
		return
	}
	delete(hub.clients, connection.participantID)
	record, inRoom := hub.rooms[connection.roomName]
	hub.mu.Unlock()

	if !inRoom {
		return
	}

	if record.hostID == connection.participantID {
		hub.teardownRoom(record)
		return
	}

	hub.mu.Lock()
	delete(record.members, connection.participantID)
	delete(record.watches, connection.participantID)
	remaining := hub.roomClientsLocked(record)
	hub.mu.Unlock()
	hub.broadcastUserLeft(remaining, connection.participantID)
}

func (hub *Hub) teardownRoom(record *room) {
	hub.mu.Lock()
	delete(hub.rooms, record.name)
	members := hub.roomClientsLocked(record)
	for key := range hub.docs {
		if key.room == record.name {
			delete(hub.docs, key)
		}
	}
	hub.mu.Unlock()

	if err := hub.store.InvalidateRoom(record.name); err != nil {
		hub.logger.Warn("room credential invalidation failed",
			zap.String("op", opTeardown),
			zap.String("reason", reasonStoreFailed),
			zap.String("room", record.name),
			zap.Error(err))
	}

	deleted, err := protocol.NewEnvelope(protocol.TypeRoomDeleted, "", struct{}{})
	if err != nil {
		return
	}
	for _, member := range members {
		member.enqueue(deleted)
	}
	hub.logger.Info("room torn down", zap.String("room", record.name))
}

func (hub *Hub) roomClientsLocked(record *room) []*client {
	members := make([]*client, 0, len(record.members))
	for participantID := range record.members {
		if connection := hub.clients[participantID]; connection != nil {
			members = append(members, connection)
		}
	}
	return members
}

func (hub *Hub) broadcastUserLeft(members []*client, participantID string) {
	envelope, err := protocol.NewEnvelope(protocol.TypeUserLeft, "", protocol.UserLeftPayload{ParticipantID: participantID})
	if err != nil {
		return
	}
	for _, member := range members {
		member.enqueue(envelope)
	}
}

// docChannelFor returns (creating if needed) the channel for a room/path.
func (hub *Hub) docChannelFor(roomName, path string) (*docChannel, bool) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if _, alive := hub.rooms[roomName]; !alive {
		return nil, false
	}
	key := docKey{room: roomName, path: path}
	channel, ok := hub.docs[key]
	if !ok {
		channel = newDocChannel(key)
		hub.docs[key] = channel
	}
	return channel, true
}

func (hub *Hub) releaseDocChannel(channel *docChannel, subscriberID int64) {
	if empty := channel.detach(subscriberID); empty {
		hub.mu.Lock()
		if current, ok := hub.docs[channel.key]; ok && current == channel {
			delete(hub.docs, channel.key)
		}
		hub.mu.Unlock()
	}
}

func newParticipantID() string {
	return uuid.NewString()
}
