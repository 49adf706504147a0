// Package protocol defines the wire messages spoken on the coordination
// channel and the per-document sync channel. Both channels carry JSON: the
// coordination channel wraps every message in an Envelope correlated by
// request id, the document channel exchanges DocMessage frames whose CRDT
// deltas are opaque base64 payloads.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates coordination-channel envelopes.
type MessageType string

const (
	// Client to server.
	TypeCreateRoom   MessageType = "createRoom"
	TypeJoinRoom     MessageType = "joinRoom"
	TypeLeaveRoom    MessageType = "leaveRoom"
	TypeGetRooms     MessageType = "getRooms"
	TypeSaveState    MessageType = "saveState"
	TypeRecoverState MessageType = "recoverState"
	TypeWatchFile    MessageType = "watchFile"
	TypeUnwatchFile  MessageType = "unwatchFile"

	// Guest to host (relayed by the server) and back.
	TypeFSRequest  MessageType = "fsRequest"
	TypeFSResponse MessageType = "fsResponse"

	// Host to guests (relayed by the server).
	TypeFileChanged MessageType = "fileChanged"

	// Server to client.
	TypeWelcome     MessageType = "welcome"
	TypeResponse    MessageType = "response"
	TypeRoomDeleted MessageType = "roomDeleted"
	TypeUserLeft    MessageType = "userLeft"
)

// Room lifecycle status strings; these are part of the wire contract.
const (
	StatusCreatedRoom   = "Created room"
	StatusRoomExists    = "Room already exists"
	StatusJoinedRoom    = "Joined room"
	StatusWrongPassword = "Wrong password"
	StatusRoomNotFound  = "Room not found"
	StatusLeftRoom      = "Left room"
	StatusRecovered     = "Recovered"
	StatusNotRecovered  = "Not recovered"
	StatusStateSaved    = "State saved"
	StatusBadRequest    = "Bad request"
)

// ErrDecodePayload indicates a payload that does not match its envelope type.
var ErrDecodePayload = errors.New("protocol: invalid payload")

// Envelope is the unit of transfer on the coordination channel. ID correlates
// a response to its request; From and To address relayed guest/host traffic.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(messageType MessageType, requestID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: marshal %s: %v", ErrDecodePayload, messageType, err)
	}
	return Envelope{Type: messageType, ID: requestID, Payload: raw}, nil
}

// DecodePayload unmarshals an envelope payload into out.
func DecodePayload(envelope Envelope, out any) error {
	if len(envelope.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrDecodePayload, envelope.Type)
	}
	if err := json.Unmarshal(envelope.Payload, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecodePayload, envelope.Type, err)
	}
	return nil
}

// WelcomePayload is pushed by the server immediately after the websocket is
// established and assigns the connection its participant id.
type WelcomePayload struct {
	ParticipantID string `json:"participant_id"`
}

// CreateRoomPayload requests creation of a named room.
type CreateRoomPayload struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
}

// JoinRoomPayload requests membership in an existing room.
type JoinRoomPayload struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
}

// RoomStatusPayload answers createRoom, joinRoom, leaveRoom, saveState and
// recoverState. DocToken authorizes per-document sync channels for the
// granted membership; ParticipantID echoes the identity the grant is bound
// to, which on recovery differs from the connection's assigned id.
type RoomStatusPayload struct {
	Status        string `json:"status"`
	HostID        string `json:"host_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	DocToken      string `json:"doc_token,omitempty"`
}

// RoomInfo describes one room in a getRooms listing.
type RoomInfo struct {
	HasPassword bool `json:"has_password"`
	MemberCount int  `json:"member_count"`
}

// RoomListPayload answers getRooms.
type RoomListPayload struct {
	Rooms map[string]RoomInfo `json:"rooms"`
}

// SaveStatePayload registers a recovery secret for the sender's membership.
type SaveStatePayload struct {
	RecoverySecret string `json:"recovery_secret"`
}

// RecoverStatePayload resumes a previous membership on a fresh connection.
type RecoverStatePayload struct {
	ParticipantID  string `json:"participant_id"`
	RecoverySecret string `json:"recovery_secret"`
}

// UserLeftPayload announces a departed room member.
type UserLeftPayload struct {
	ParticipantID string `json:"participant_id"`
}

// FSOp names a filesystem operation executed on the host's disk.
type FSOp string

const (
	FSOpStat            FSOp = "stat"
	FSOpReadDirectory   FSOp = "readDirectory"
	FSOpReadFile        FSOp = "readFile"
	FSOpCreateDirectory FSOp = "createDirectory"
	FSOpWriteFile       FSOp = "writeFile"
	FSOpDeleteFile      FSOp = "deleteFile"
	FSOpRenameFile      FSOp = "renameFile"
)

// FSRequestPayload is a filesystem RPC addressed to the room's host. Content
// is base64 encoded by virtue of JSON []byte marshalling.
type FSRequestPayload struct {
	Op        FSOp   `json:"op"`
	Path      string `json:"path"`
	NewPath   string `json:"new_path,omitempty"`
	Content   []byte `json:"content,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// FileType mirrors the coarse stat classification used on the wire.
type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirectory FileType = "directory"
)

// FileStat is the stat record returned for a virtual path.
type FileStat struct {
	Type         FileType `json:"type"`
	Size         int64    `json:"size"`
	ModifiedAtMS int64    `json:"modified_at_ms"`
}

// DirEntry is one readDirectory listing entry.
type DirEntry struct {
	Name string   `json:"name"`
	Type FileType `json:"type"`
}

// FSResponsePayload answers an FSRequestPayload. Read-type operations with
// Ok false surface as "not found" to the caller; mutating operations carry
// the host-side error text.
type FSResponsePayload struct {
	Ok      bool       `json:"ok"`
	Error   string     `json:"error,omitempty"`
	Stat    *FileStat  `json:"stat,omitempty"`
	Entries []DirEntry `json:"entries,omitempty"`
	Content []byte     `json:"content,omitempty"`
}

// ChangeKind classifies a host-side filesystem change event.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeChanged ChangeKind = "changed"
	ChangeDeleted ChangeKind = "deleted"
)

// FileChange is one entry of a batched change notification.
type FileChange struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// FileChangedPayload carries a batch of host filesystem changes.
type FileChangedPayload struct {
	Changes []FileChange `json:"changes"`
}

// WatchPayload registers or removes interest in change events under a path.
type WatchPayload struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

// DocMessageKind discriminates document-channel frames.
type DocMessageKind string

const (
	DocKindUpdate         DocMessageKind = "update"
	DocKindPresence       DocMessageKind = "presence"
	DocKindPresenceRemove DocMessageKind = "presenceRemove"
	// DocKindSyncDone marks the end of the history replay sent on attach.
	DocKindSyncDone DocMessageKind = "syncDone"
)

// PresenceState is one participant's published selection.
type PresenceState struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Color string `json:"color"`
	Clock uint64 `json:"clock"`
}

// DocMessage is the unit of transfer on a per-document sync channel. Update
// holds an opaque CRDT delta; the relay does not interpret it.
type DocMessage struct {
	Kind        DocMessageKind `json:"kind"`
	Participant string         `json:"participant"`
	Update      []byte         `json:"update,omitempty"`
	Presence    *PresenceState `json:"presence,omitempty"`
}
