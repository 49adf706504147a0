package server

import (
	"sync"

	"github.com/cowritehq/cowrite/internal/crdt"
	"github.com/cowritehq/cowrite/internal/protocol"
)

const docSendBuffer = 64

type docKey struct {
	room string
	path string
}

// docChannel relays document frames between every connection attached to one
// (room, virtual path) pair. Update frames fold into a materialized replica,
// so a late attacher replays a single snapshot and the channel's memory is
// bounded by document size rather than edit count.
type docChannel struct {
	key docKey

	mu          sync.Mutex
	subscribers map[int64]*docSubscriber
	nextID      int64
	state       *crdt.Sequence
}

// docSubscriber's stream is never closed; the writer drains it until done
// fires, so broadcast can fan out without racing a detach.
type docSubscriber struct {
	id          int64
	participant string
	stream      chan protocol.DocMessage
	done        chan struct{}
	closeOnce   sync.Once
}

func (subscriber *docSubscriber) close() {
	subscriber.closeOnce.Do(func() { close(subscriber.done) })
}

func newDocChannel(key docKey) *docChannel {
	return &docChannel{
		key:         key,
		subscribers: make(map[int64]*docSubscriber),
		// The relay only ever applies remote operations, so the replica's
		// own actor identity is inert.
		state: crdt.NewSequence(""),
	}
}

// attach registers a subscriber and returns the replay the caller must
// deliver before live frames: one snapshot frame when the channel carries
// history, nothing when it is fresh.
func (channel *docChannel) attach(participant string) (*docSubscriber, []protocol.DocMessage) {
	channel.mu.Lock()
	defer channel.mu.Unlock()
	channel.nextID++
	subscriber := &docSubscriber{
		id:          channel.nextID,
		participant: participant,
		stream:      make(chan protocol.DocMessage, docSendBuffer),
		done:        make(chan struct{}),
	}
	channel.subscribers[subscriber.id] = subscriber

	var replay []protocol.DocMessage
	if snapshot := channel.state.Snapshot(); len(snapshot.Ops) > 0 {
		if encoded, err := crdt.EncodeUpdate(snapshot); err == nil {
			replay = append(replay, protocol.DocMessage{
				Kind:   protocol.DocKindUpdate,
				Update: encoded,
			})
		}
	}
	return subscriber, replay
}

// detach reports whether the channel became empty.
func (channel *docChannel) detach(subscriberID int64) bool {
	channel.mu.Lock()
	defer channel.mu.Unlock()
	if subscriber, ok := channel.subscribers[subscriberID]; ok {
		delete(channel.subscribers, subscriberID)
		subscriber.close()
	}
	return len(channel.subscribers) == 0
}

// broadcast fans a frame out to every subscriber except its sender. A slow
// consumer drops presence frames, but an update frame it cannot take would
// leave its replica permanently behind, so the subscriber is cut off and
// forced back through a reattach-and-replay.
func (channel *docChannel) broadcast(from int64, message protocol.DocMessage) {
	channel.mu.Lock()
	if message.Kind == protocol.DocKindUpdate {
		// An undecodable update still relays; replicas drop it the same way.
		if update, err := crdt.DecodeUpdate(message.Update); err == nil {
			channel.state.Apply(update)
		}
	}
	targets := make([]*docSubscriber, 0, len(channel.subscribers))
	for _, subscriber := range channel.subscribers {
		if subscriber.id != from {
			targets = append(targets, subscriber)
		}
	}
	channel.mu.Unlock()

	for _, subscriber := range targets {
		select {
		case <-subscriber.done:
		case subscriber.stream <- message:
		default:
			if message.Kind == protocol.DocKindUpdate {
				subscriber.close()
			}
		}
	}
}
