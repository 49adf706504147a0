// Package docsync keeps every replica of an open document convergent. Each
// open file gets its own sync channel; text merges through a sequence CRDT
// and selections through a last-writer-wins presence map, so the relay never
// interprets either.
package docsync

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/cowritehq/cowrite/internal/crdt"
	"github.com/cowritehq/cowrite/internal/protocol"
	"go.uber.org/zap"
)

var (
	// ErrDetached reports use of an attachment after it was closed or
	// superseded by a newer attachment to the same path.
	ErrDetached = errors.New("docsync: attachment detached")

	errMissingDialer = errors.New("docsync: dialer required")
	errMissingActor  = errors.New("docsync: actor identity required")
)

// cursorPalette colors remote selections; every attachment draws a fresh
// entry, so a participant's color can change between attachments.
var cursorPalette = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd", "#e5c07b", "#56b6c2",
}

func pickColor() string {
	return cursorPalette[rand.Intn(len(cursorPalette))]
}

// Editor is the application surface holding one document's text.
type Editor interface {
	Content() string
	SetContent(text string)
}

// CursorRenderer draws remote participants' selections.
type CursorRenderer interface {
	RenderCursor(participantID string, start, end int, color string)
	ClearCursor(participantID string)
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Dialer Dialer
	// Actor is the participant id used for CRDT attribution.
	Actor  string
	Token  string
	Logger *zap.Logger
}

// Engine owns the document attachments of one client.
type Engine struct {
	dialer Dialer
	actor  string
	logger *zap.Logger

	mu          sync.Mutex
	token       string
	attachments map[string]*Attachment
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Dialer == nil {
		return nil, errMissingDialer
	}
	if cfg.Actor == "" {
		return nil, errMissingActor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		dialer:      cfg.Dialer,
		actor:       cfg.Actor,
		logger:      logger,
		token:       cfg.Token,
		attachments: make(map[string]*Attachment),
	}, nil
}

// SetToken installs the document token of a fresh room grant.
func (engine *Engine) SetToken(token string) {
	engine.mu.Lock()
	engine.token = token
	engine.mu.Unlock()
}

// Attach opens the sync channel for path and seeds the local replica: the
// channel's history replays first, and only an empty channel adopts the
// editor's current content as the initial state. A second attach to the same
// path supersedes the first.
func (engine *Engine) Attach(ctx context.Context, path string, editor Editor, cursors CursorRenderer) (*Attachment, error) {
	engine.mu.Lock()
	token := engine.token
	engine.mu.Unlock()

	conn, err := engine.dialer.Dial(ctx, path, token)
	if err != nil {
		return nil, err
	}

	attachment := &Attachment{
		engine:   engine,
		path:     path,
		conn:     conn,
		editor:   editor,
		cursors:  cursors,
		sequence: crdt.NewSequence(engine.actor),
		presence: crdt.NewPresenceMap(),
		color:    pickColor(),
	}
	if err := attachment.syncHistory(); err != nil {
		conn.Close()
		return nil, err
	}

	engine.mu.Lock()
	previous := engine.attachments[path]
	engine.attachments[path] = attachment
	engine.mu.Unlock()
	if previous != nil {
		previous.close()
	}

	// Announce this replica's caret so peers see the newcomer immediately,
	// before any explicit selection change.
	if err := attachment.PublishPresence(0, 0); err != nil {
		engine.logger.Warn("initial presence publish failed",
			zap.String("path", path), zap.Error(err))
	}

	go attachment.readLoop()
	engine.logger.Debug("document attached", zap.String("path", path))
	return attachment, nil
}

// Detach closes every attachment. Used on room teardown.
func (engine *Engine) Detach() {
	engine.mu.Lock()
	attachments := make([]*Attachment, 0, len(engine.attachments))
	for _, attachment := range engine.attachments {
		attachments = append(attachments, attachment)
	}
	engine.attachments = make(map[string]*Attachment)
	engine.mu.Unlock()

	for _, attachment := range attachments {
		attachment.close()
	}
}

// RemoveParticipant prunes a departed participant's cursor from every open
// document.
func (engine *Engine) RemoveParticipant(participantID string) {
	engine.mu.Lock()
	attachments := make([]*Attachment, 0, len(engine.attachments))
	for _, attachment := range engine.attachments {
		attachments = append(attachments, attachment)
	}
	engine.mu.Unlock()

	for _, attachment := range attachments {
		attachment.removePresence(participantID)
	}
}

// release forgets an attachment if it is still the current one for its path.
func (engine *Engine) release(attachment *Attachment) {
	engine.mu.Lock()
	if current, ok := engine.attachments[attachment.path]; ok && current == attachment {
		delete(engine.attachments, attachment.path)
	}
	engine.mu.Unlock()
}

// Attachment is one document's live replica.
type Attachment struct {
	engine  *Engine
	path    string
	conn    Conn
	editor  Editor
	cursors CursorRenderer
	color   string

	mu       sync.Mutex
	sequence *crdt.Sequence
	presence *crdt.PresenceMap
	// applyingRemote suppresses the editor-change echo while SetContent runs
	// for a remote update.
	applyingRemote bool
	closed         bool
	closeOnce      sync.Once
}

// Path returns the attached document path.
func (attachment *Attachment) Path() string {
	return attachment.path
}

// syncHistory consumes the replay the channel sends on attach, then seeds
// from the editor when the channel had no history.
func (attachment *Attachment) syncHistory() error {
	for {
		message, err := attachment.conn.Read()
		if err != nil {
			return err
		}
		if message.Kind == protocol.DocKindSyncDone {
			break
		}
		attachment.absorb(message, false)
	}

	attachment.mu.Lock()
	empty := attachment.sequence.Len() == 0
	attachment.mu.Unlock()

	if empty {
		initial := attachment.editor.Content()
		if initial == "" {
			return nil
		}
		attachment.mu.Lock()
		update := attachment.sequence.ReplaceAll(initial)
		err := attachment.sendUpdateLocked(update)
		attachment.mu.Unlock()
		return err
	}
	attachment.setContentSuppressed()
	return nil
}

// setContentSuppressed pushes the replica text into the editor with the echo
// flag raised, so the editor's change hook re-entering LocalEdit is a no-op.
// The editor call happens outside the lock because of that re-entry.
func (attachment *Attachment) setContentSuppressed() {
	attachment.mu.Lock()
	attachment.applyingRemote = true
	text := attachment.sequence.Text()
	attachment.mu.Unlock()

	attachment.editor.SetContent(text)

	attachment.mu.Lock()
	attachment.applyingRemote = false
	attachment.mu.Unlock()
}

func (attachment *Attachment) readLoop() {
	defer func() {
		attachment.engine.release(attachment)
		attachment.close()
	}()
	for {
		message, err := attachment.conn.Read()
		if err != nil {
			return
		}
		attachment.absorb(message, true)
	}
}

// absorb applies one remote frame. Editor and cursor surfaces only update
// for live frames; history replay mutates the replica silently.
func (attachment *Attachment) absorb(message protocol.DocMessage, live bool) {
	switch message.Kind {
	case protocol.DocKindUpdate:
		update, err := crdt.DecodeUpdate(message.Update)
		if err != nil {
			attachment.engine.logger.Warn("undecodable update dropped",
				zap.String("path", attachment.path), zap.Error(err))
			return
		}
		attachment.mu.Lock()
		changed := attachment.sequence.Apply(update)
		attachment.mu.Unlock()
		if changed && live {
			attachment.setContentSuppressed()
		}
	case protocol.DocKindPresence:
		if message.Presence == nil || message.Participant == attachment.engine.actor {
			return
		}
		entry := crdt.PresenceEntry{
			Actor: message.Participant,
			Start: message.Presence.Start,
			End:   message.Presence.End,
			Color: message.Presence.Color,
			Clock: message.Presence.Clock,
		}
		attachment.mu.Lock()
		applied := attachment.presence.Merge(entry)
		attachment.mu.Unlock()
		if applied && live && attachment.cursors != nil {
			attachment.cursors.RenderCursor(entry.Actor, entry.Start, entry.End, entry.Color)
		}
	case protocol.DocKindPresenceRemove:
		attachment.removePresence(message.Participant)
	default:
	}
}

// LocalEdit publishes the editor's new text. Called from the editor-change
// hook; an echo caused by a remote SetContent is suppressed.
func (attachment *Attachment) LocalEdit(text string) error {
	attachment.mu.Lock()
	if attachment.closed {
		attachment.mu.Unlock()
		return ErrDetached
	}
	if attachment.applyingRemote {
		attachment.mu.Unlock()
		return nil
	}
	if text == attachment.sequence.Text() {
		attachment.mu.Unlock()
		return nil
	}
	update := attachment.sequence.ReplaceAll(text)
	err := attachment.sendUpdateLocked(update)
	attachment.mu.Unlock()
	return err
}

func (attachment *Attachment) sendUpdateLocked(update crdt.Update) error {
	if len(update.Ops) == 0 {
		return nil
	}
	encoded, err := crdt.EncodeUpdate(update)
	if err != nil {
		return err
	}
	return attachment.conn.Write(protocol.DocMessage{
		Kind:        protocol.DocKindUpdate,
		Participant: attachment.engine.actor,
		Update:      encoded,
	})
}

// PublishPresence broadcasts the local selection.
func (attachment *Attachment) PublishPresence(start, end int) error {
	attachment.mu.Lock()
	if attachment.closed {
		attachment.mu.Unlock()
		return ErrDetached
	}
	entry := attachment.presence.Set(attachment.engine.actor, start, end, attachment.color)
	attachment.mu.Unlock()

	return attachment.conn.Write(protocol.DocMessage{
		Kind:        protocol.DocKindPresence,
		Participant: entry.Actor,
		Presence: &protocol.PresenceState{
			Start: entry.Start,
			End:   entry.End,
			Color: entry.Color,
			Clock: entry.Clock,
		},
	})
}

// Text returns the replica's current content.
func (attachment *Attachment) Text() string {
	attachment.mu.Lock()
	defer attachment.mu.Unlock()
	return attachment.sequence.Text()
}

// Presence returns a snapshot of known remote selections.
func (attachment *Attachment) Presence() map[string]crdt.PresenceEntry {
	attachment.mu.Lock()
	defer attachment.mu.Unlock()
	return attachment.presence.Entries()
}

func (attachment *Attachment) removePresence(participantID string) {
	attachment.mu.Lock()
	removed := attachment.presence.Remove(participantID)
	attachment.mu.Unlock()
	if removed && attachment.cursors != nil {
		attachment.cursors.ClearCursor(participantID)
	}
}

// Close detaches the document, announcing the cursor removal to peers.
func (attachment *Attachment) Close() error {
	attachment.conn.Write(protocol.DocMessage{
		Kind:        protocol.DocKindPresenceRemove,
		Participant: attachment.engine.actor,
	})
	attachment.engine.release(attachment)
	attachment.close()
	return nil
}

func (attachment *Attachment) close() {
	attachment.closeOnce.Do(func() {
		attachment.mu.Lock()
		attachment.closed = true
		attachment.mu.Unlock()
		attachment.conn.Close()
	})
}
