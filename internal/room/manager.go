// Package room tracks the client's collaborative session: which room it is
// in, whether it is host or guest, and the reconnect credential that lets a
// fresh connection resume membership without a password prompt.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cowritehq/cowrite/internal/protocol"
	"github.com/cowritehq/cowrite/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxPromptAttempts = 5

const (
	opCreateRoom = "room.create"
	opJoinRoom   = "room.join"
	opLeaveRoom  = "room.leave"
	opRecover    = "room.recover"

	reasonPromptExhausted = "prompt_attempts_exhausted"
	reasonServerRejected  = "server_rejected"
)

var (
	// ErrPromptExhausted reports too many rejected name/password attempts.
	ErrPromptExhausted = errors.New("room: prompt attempts exhausted")
	// ErrNotInRoom reports an operation that needs an active membership.
	ErrNotInRoom = errors.New("room: not in a room")
	// ErrRoomNotFound reports a join against an unknown room.
	ErrRoomNotFound = errors.New("room: room not found")

	errMissingSession     = errors.New("room: transport session required")
	errMissingCredentials = errors.New("room: credential store required")
	errMissingPrompter    = errors.New("room: prompter required")
)

// State is the manager's lifecycle position.
type State string

const (
	StateDisconnected State = "disconnected"
	StateIdle         State = "idle"
	StateHosting      State = "hosting"
	StateGuest        State = "guest"
)

// Coordinator is the slice of the transport session the manager drives.
type Coordinator interface {
	Call(ctx context.Context, messageType protocol.MessageType, payload any, out any) error
	Respond(request protocol.Envelope, messageType protocol.MessageType, payload any) error
	ParticipantID() string
	AdoptParticipantID(participantID string)
	OnPush(handler func(protocol.Envelope))
	OnStatus(handler func(transport.Status))
}

// Prompter supplies user input for the bounded retry loops: a fresh room
// name after a collision, a fresh password after a rejection.
type Prompter interface {
	RoomName(retry bool) (string, error)
	Password(retry bool) (string, error)
}

// WorkspaceUI is the external editor surface that shows or hides the
// virtualized workspace for a guest.
type WorkspaceUI interface {
	OpenWorkspace(ctx context.Context) error
	CloseWorkspace(ctx context.Context) error
}

// FSResponder serves relayed filesystem requests while hosting.
type FSResponder interface {
	Handle(request protocol.FSRequestPayload) protocol.FSResponsePayload
}

// WorkspaceWatcher publishes host filesystem changes while hosting.
type WorkspaceWatcher interface {
	Run(ctx context.Context)
}

// DocumentSync is the document engine surface the manager drives during
// teardown and membership changes.
type DocumentSync interface {
	Detach()
	RemoveParticipant(participantID string)
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Session     Coordinator
	Credentials *CredentialStore
	Prompter    Prompter
	Workspace   WorkspaceUI
	Responder   FSResponder
	Watcher     WorkspaceWatcher
	Documents   DocumentSync
	// OnFileChanges receives relayed host change batches (guest side).
	OnFileChanges func(payload protocol.FileChangedPayload)
	Logger        *zap.Logger
}

// Manager is the client-side room state machine.
type Manager struct {
	session     Coordinator
	credentials *CredentialStore
	prompter    Prompter
	workspace   WorkspaceUI
	responder   FSResponder
	watcher     WorkspaceWatcher
	documents   DocumentSync
	onChanges   func(payload protocol.FileChangedPayload)
	logger      *zap.Logger

	mu          sync.Mutex
	state       State
	roomName    string
	hostID      string
	docToken    string
	stopWatcher context.CancelFunc
}

// NewManager constructs a Manager and installs its transport handlers.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	if cfg.Prompter == nil {
		return nil, errMissingPrompter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := &Manager{
		session:     cfg.Session,
		credentials: cfg.Credentials,
		prompter:    cfg.Prompter,
		workspace:   cfg.Workspace,
		responder:   cfg.Responder,
		watcher:     cfg.Watcher,
		documents:   cfg.Documents,
		onChanges:   cfg.OnFileChanges,
		logger:      logger,
		state:       StateDisconnected,
	}
	cfg.Session.OnPush(manager.handlePush)
	cfg.Session.OnStatus(manager.handleStatus)
	return manager, nil
}

// State returns the current lifecycle state.
func (manager *Manager) State() State {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.state
}

// RoomName returns the active room, if any.
func (manager *Manager) RoomName() string {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.roomName
}

// DocToken returns the document-channel token for the active membership.
func (manager *Manager) DocToken() string {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.docToken
}

// IsHost reports whether this participant hosts the active room.
func (manager *Manager) IsHost() bool {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.state == StateHosting
}

// CreateRoom drives the create flow, re-prompting for a new name on
// collisions, bounded instead of recursive.
func (manager *Manager) CreateRoom(ctx context.Context) error {
	name, err := manager.prompter.RoomName(false)
	if err != nil {
		return err
	}
	password, err := manager.prompter.Password(false)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxPromptAttempts; attempt++ {
		var response protocol.RoomStatusPayload
		err := manager.session.Call(ctx, protocol.TypeCreateRoom,
			protocol.CreateRoomPayload{Name: name, Password: password}, &response)
		if err != nil {
			return err
		}

		switch response.Status {
		case protocol.StatusCreatedRoom:
			manager.enterHosting(name, response)
			return nil
		case protocol.StatusRoomExists:
			name, err = manager.prompter.RoomName(true)
			if err != nil {
				return err
			}
		default:
			manager.logger.Warn("create rejected",
				zap.String("op", opCreateRoom),
				zap.String("reason", reasonServerRejected),
				zap.String("status", response.Status))
			return fmt.Errorf("room: create failed: %s", response.Status)
		}
	}
	manager.logger.Warn("create abandoned",
		zap.String("op", opCreateRoom),
		zap.String("reason", reasonPromptExhausted))
	return ErrPromptExhausted
}

// JoinRoom drives the join flow for a named room, re-prompting for the
// password on rejections.
func (manager *Manager) JoinRoom(ctx context.Context, name string) error {
	password := ""
	for attempt := 0; attempt < maxPromptAttempts; attempt++ {
		var response protocol.RoomStatusPayload
		err := manager.session.Call(ctx, protocol.TypeJoinRoom,
			protocol.JoinRoomPayload{Name: name, Password: password}, &response)
		if err != nil {
			return err
		}

		switch response.Status {
		case protocol.StatusJoinedRoom:
			return manager.enterGuest(ctx, name, response)
		case protocol.StatusWrongPassword:
			password, err = manager.prompter.Password(attempt > 0)
			if err != nil {
				return err
			}
		case protocol.StatusRoomNotFound:
			return fmt.Errorf("%w: %s", ErrRoomNotFound, name)
		default:
			return fmt.Errorf("room: join failed: %s", response.Status)
		}
	}
	manager.logger.Warn("join abandoned",
		zap.String("op", opJoinRoom),
		zap.String("reason", reasonPromptExhausted))
	return ErrPromptExhausted
}

// LeaveRoom explicitly leaves the active room and clears every piece of
// local session state, credential included.
func (manager *Manager) LeaveRoom(ctx context.Context) error {
	manager.mu.Lock()
	state := manager.state
	manager.mu.Unlock()
	if state != StateHosting && state != StateGuest {
		return ErrNotInRoom
	}

	var response protocol.RoomStatusPayload
	if err := manager.session.Call(ctx, protocol.TypeLeaveRoom, struct{}{}, &response); err != nil {
		return err
	}
	if err := manager.credentials.Clear(); err != nil {
		manager.logger.Warn("credential clear failed",
			zap.String("op", opLeaveRoom), zap.Error(err))
	}
	manager.reset(ctx, state == StateGuest)
	return nil
}

// Rooms fetches the server's room listing.
func (manager *Manager) Rooms(ctx context.Context) (map[string]protocol.RoomInfo, error) {
	var response protocol.RoomListPayload
	if err := manager.session.Call(ctx, protocol.TypeGetRooms, struct{}{}, &response); err != nil {
		return nil, err
	}
	return response.Rooms, nil
}

func (manager *Manager) enterHosting(name string, grant protocol.RoomStatusPayload) {
	manager.mu.Lock()
	manager.state = StateHosting
	manager.roomName = name
	manager.hostID = grant.HostID
	manager.docToken = grant.DocToken
	var watcherCtx context.Context
	if manager.watcher != nil && manager.stopWatcher == nil {
		watcherCtx, manager.stopWatcher = context.WithCancel(context.Background())
	}
	manager.mu.Unlock()

	if watcherCtx != nil {
		go manager.watcher.Run(watcherCtx)
	}
	manager.logger.Info("hosting room", zap.String("room", name))
}

func (manager *Manager) enterGuest(ctx context.Context, name string, grant protocol.RoomStatusPayload) error {
	manager.mu.Lock()
	manager.state = StateGuest
	manager.roomName = name
	manager.hostID = grant.HostID
	manager.docToken = grant.DocToken
	manager.mu.Unlock()

	manager.persistCredential(ctx, name)

	if manager.workspace != nil {
		if err := manager.workspace.OpenWorkspace(ctx); err != nil {
			return err
		}
	}
	manager.logger.Info("joined room", zap.String("room", name))
	return nil
}

// persistCredential registers a fresh single-use recovery secret with the
// server and mirrors it locally.
func (manager *Manager) persistCredential(ctx context.Context, roomName string) {
	secret := uuid.NewString()
	var response protocol.RoomStatusPayload
	err := manager.session.Call(ctx, protocol.TypeSaveState,
		protocol.SaveStatePayload{RecoverySecret: secret}, &response)
	if err != nil || response.Status != protocol.StatusStateSaved {
		manager.logger.Warn("save state failed",
			zap.String("op", opRecover), zap.Error(err), zap.String("status", response.Status))
		return
	}
	credential := Credential{
		ParticipantID:  manager.session.ParticipantID(),
		RecoverySecret: secret,
		RoomName:       roomName,
	}
	if err := manager.credentials.Save(credential); err != nil {
		manager.logger.Warn("credential save failed",
			zap.String("op", opRecover), zap.Error(err))
	}
}

func (manager *Manager) handleStatus(status transport.Status) {
	switch status {
	case transport.StatusConnected:
		manager.tryRecover()
	case transport.StatusDisconnected:
		manager.handleDrop()
	default:
	}
}

// tryRecover presents a persisted credential, if any, to silently resume a
// previous membership. The credential is consumed client-side before the
// attempt; on success a fresh one is registered for the next boundary.
func (manager *Manager) tryRecover() {
	manager.mu.Lock()
	if manager.state == StateHosting || manager.state == StateGuest {
		manager.mu.Unlock()
		return
	}
	manager.state = StateIdle
	manager.mu.Unlock()

	credential, found, err := manager.credentials.Take()
	if err != nil {
		manager.logger.Warn("credential read failed",
			zap.String("op", opRecover), zap.Error(err))
		return
	}
	if !found {
		return
	}

	ctx := context.Background()
	var response protocol.RoomStatusPayload
	err = manager.session.Call(ctx, protocol.TypeRecoverState, protocol.RecoverStatePayload{
		ParticipantID:  credential.ParticipantID,
		RecoverySecret: credential.RecoverySecret,
	}, &response)
	if err != nil || response.Status != protocol.StatusRecovered {
		manager.logger.Info("recovery declined",
			zap.String("op", opRecover),
			zap.String("room", credential.RoomName))
		return
	}

	manager.session.AdoptParticipantID(response.ParticipantID)
	if response.HostID == response.ParticipantID {
		manager.enterHosting(credential.RoomName, response)
	} else {
		grant := response
		manager.mu.Lock()
		manager.state = StateGuest
		manager.roomName = credential.RoomName
		manager.hostID = grant.HostID
		manager.docToken = grant.DocToken
		manager.mu.Unlock()
		manager.persistCredential(ctx, credential.RoomName)
		if manager.workspace != nil {
			if err := manager.workspace.OpenWorkspace(ctx); err != nil {
				manager.logger.Warn("workspace reopen failed", zap.Error(err))
			}
		}
	}
	manager.logger.Info("membership recovered", zap.String("room", credential.RoomName))
}

// handleDrop implements the teardown rules for a hard disconnect: a guest
// closes its virtualized workspace, a host only resets local state (the
// server, not this client, notifies the other members).
func (manager *Manager) handleDrop() {
	manager.mu.Lock()
	state := manager.state
	manager.mu.Unlock()

	switch state {
	case StateGuest:
		manager.reset(context.Background(), true)
	case StateHosting:
		manager.reset(context.Background(), false)
	default:
	}
	manager.mu.Lock()
	manager.state = StateDisconnected
	manager.mu.Unlock()
}

func (manager *Manager) handlePush(envelope protocol.Envelope) {
	switch envelope.Type {
	case protocol.TypeFSRequest:
		manager.serveFSRequest(envelope)
	case protocol.TypeFileChanged:
		if manager.onChanges != nil {
			var payload protocol.FileChangedPayload
			if err := protocol.DecodePayload(envelope, &payload); err == nil {
				manager.onChanges(payload)
			}
		}
	case protocol.TypeRoomDeleted:
		manager.handleRoomDeleted()
	case protocol.TypeUserLeft:
		var payload protocol.UserLeftPayload
		if err := protocol.DecodePayload(envelope, &payload); err == nil && manager.documents != nil {
			manager.documents.RemoveParticipant(payload.ParticipantID)
		}
	default:
	}
}

func (manager *Manager) serveFSRequest(envelope protocol.Envelope) {
	var request protocol.FSRequestPayload
	response := protocol.FSResponsePayload{Ok: false, Error: "not hosting"}
	if err := protocol.DecodePayload(envelope, &request); err == nil {
		manager.mu.Lock()
		hosting := manager.state == StateHosting
		responder := manager.responder
		manager.mu.Unlock()
		if hosting && responder != nil {
			response = responder.Handle(request)
		}
	}
	if err := manager.session.Respond(envelope, protocol.TypeFSResponse, response); err != nil {
		manager.logger.Warn("fs response send failed", zap.Error(err))
	}
}

// handleRoomDeleted reacts to the host's disconnection: the room is gone and
// every piece of local collaborative state goes with it.
func (manager *Manager) handleRoomDeleted() {
	manager.mu.Lock()
	state := manager.state
	roomName := manager.roomName
	manager.mu.Unlock()
	if state != StateGuest {
		return
	}
	if err := manager.credentials.Clear(); err != nil {
		manager.logger.Warn("credential clear failed", zap.Error(err))
	}
	manager.reset(context.Background(), true)
	manager.logger.Info("room deleted by host departure", zap.String("room", roomName))
}

// reset clears room, document and watcher state; closeWorkspace additionally
// dismisses the guest's virtualized workspace view.
func (manager *Manager) reset(ctx context.Context, closeWorkspace bool) {
	manager.mu.Lock()
	stop := manager.stopWatcher
	manager.stopWatcher = nil
	manager.state = StateIdle
	manager.roomName = ""
	manager.hostID = ""
	manager.docToken = ""
	manager.mu.Unlock()

	if stop != nil {
		stop()
	}
	if manager.documents != nil {
		manager.documents.Detach()
	}
	if closeWorkspace && manager.workspace != nil {
		if err := manager.workspace.CloseWorkspace(ctx); err != nil {
			manager.logger.Warn("workspace close failed", zap.Error(err))
		}
	}
}
