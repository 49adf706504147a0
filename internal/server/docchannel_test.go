package server

import (
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cowritehq/cowrite/internal/crdt"
	"github.com/cowritehq/cowrite/internal/protocol"
	"github.com/gorilla/websocket"
)

func dialDoc(testContext *testing.T, fixture *serverFixture, path, token string) *websocket.Conn {
	testContext.Helper()
	endpoint := fixture.wsURL("/doc") + "?path=" + url.QueryEscape(path) + "&token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		testContext.Fatalf("dial doc: %v", err)
	}
	testContext.Cleanup(func() { conn.Close() })
	return conn
}

func readDocMessage(testContext *testing.T, conn *websocket.Conn) protocol.DocMessage {
	testContext.Helper()
	conn.SetReadDeadline(time.Now().Add(wireWait))
	var message protocol.DocMessage
	if err := conn.ReadJSON(&message); err != nil {
		testContext.Fatalf("read doc message: %v", err)
	}
	return message
}

func TestDocumentChannelRejectsBadHandshakes(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	host := dialWire(testContext, fixture)
	created := host.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha"})

	endpoint := fixture.wsURL("/doc") + "?path=main.go&token=forged"
	if _, _, err := websocket.DefaultDialer.Dial(endpoint, nil); err == nil {
		testContext.Fatal("expected handshake failure for a forged token")
	}

	escaping := fixture.wsURL("/doc") + "?path=" + url.QueryEscape("../etc/passwd") + "&token=" + url.QueryEscape(created.DocToken)
	if _, _, err := websocket.DefaultDialer.Dial(escaping, nil); err == nil {
		testContext.Fatal("expected handshake failure for an escaping path")
	}
}

func TestDocumentChannelRelaysBetweenAttachments(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	host := dialWire(testContext, fixture)
	guest := dialWire(testContext, fixture)

	hostGrant := host.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha"})
	guestGrant := guest.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "alpha"})

	hostDoc := dialDoc(testContext, fixture, "main.go", hostGrant.DocToken)
	if message := readDocMessage(testContext, hostDoc); message.Kind != protocol.DocKindSyncDone {
		testContext.Fatalf("first frame = %s, want syncDone on an empty channel", message.Kind)
	}

	guestDoc := dialDoc(testContext, fixture, "main.go", guestGrant.DocToken)
	if message := readDocMessage(testContext, guestDoc); message.Kind != protocol.DocKindSyncDone {
		testContext.Fatalf("first frame = %s, want syncDone", message.Kind)
	}

	hostDoc.SetWriteDeadline(time.Now().Add(wireWait))
	if err := hostDoc.WriteJSON(protocol.DocMessage{
		Kind:        protocol.DocKindUpdate,
		Participant: "spoofed",
		Update:      []byte(`{"actor":"host","ops":[]}`),
	}); err != nil {
		testContext.Fatalf("write update: %v", err)
	}

	relayed := readDocMessage(testContext, guestDoc)
	if relayed.Kind != protocol.DocKindUpdate {
		testContext.Fatalf("kind = %s", relayed.Kind)
	}
	// Attribution comes from the handshake token, not the frame.
	if relayed.Participant != host.participantID {
		testContext.Fatalf("participant = %q, want %q", relayed.Participant, host.participantID)
	}
}

func TestDocumentChannelReplaysSnapshotToLateAttacher(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	host := dialWire(testContext, fixture)
	guest := dialWire(testContext, fixture)

	hostGrant := host.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha"})
	guestGrant := guest.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "alpha"})

	hostDoc := dialDoc(testContext, fixture, "main.go", hostGrant.DocToken)
	readDocMessage(testContext, hostDoc)

	author := crdt.NewSequence("author")
	updates := []crdt.Update{
		author.InsertAt(0, "hello"),
		author.InsertAt(5, " world"),
		author.DeleteRange(0, 6),
	}
	for _, update := range updates {
		encoded, err := crdt.EncodeUpdate(update)
		if err != nil {
			testContext.Fatalf("encode update: %v", err)
		}
		hostDoc.SetWriteDeadline(time.Now().Add(wireWait))
		if err := hostDoc.WriteJSON(protocol.DocMessage{Kind: protocol.DocKindUpdate, Update: encoded}); err != nil {
			testContext.Fatalf("write update: %v", err)
		}
	}
	// Presence is ephemeral and must not be replayed.
	if err := hostDoc.WriteJSON(protocol.DocMessage{
		Kind:     protocol.DocKindPresence,
		Presence: &protocol.PresenceState{Start: 0, End: 1, Color: "#fff", Clock: 1},
	}); err != nil {
		testContext.Fatalf("write presence: %v", err)
	}
	// The server's read loop folds updates into the channel state; settle.
	time.Sleep(100 * time.Millisecond)

	lateDoc := dialDoc(testContext, fixture, "main.go", guestGrant.DocToken)
	first := readDocMessage(testContext, lateDoc)
	if first.Kind != protocol.DocKindUpdate {
		testContext.Fatalf("first replay frame = %s, want update", first.Kind)
	}
	snapshot, err := crdt.DecodeUpdate(first.Update)
	if err != nil {
		testContext.Fatalf("decode snapshot: %v", err)
	}
	replica := crdt.NewSequence("late")
	replica.Apply(snapshot)
	if replica.Text() != author.Text() {
		testContext.Fatalf("replayed text = %q, want %q", replica.Text(), author.Text())
	}
	// The whole history compacts into one frame regardless of edit count.
	if done := readDocMessage(testContext, lateDoc); done.Kind != protocol.DocKindSyncDone {
		testContext.Fatalf("second frame = %s, want syncDone", done.Kind)
	}
}

func TestBroadcastDuringDetachStorm(testContext *testing.T) {
	channel := newDocChannel(docKey{room: "alpha", path: "main.go"})
	subscribers := make([]*docSubscriber, 0, 512)
	for len(subscribers) < cap(subscribers) {
		subscriber, _ := channel.attach("peer")
		subscribers = append(subscribers, subscriber)
	}

	var detaching sync.WaitGroup
	detaching.Add(1)
	go func() {
		defer detaching.Done()
		for _, subscriber := range subscribers {
			channel.detach(subscriber.id)
		}
	}()

	message := protocol.DocMessage{
		Kind:     protocol.DocKindPresence,
		Presence: &protocol.PresenceState{Start: 0, End: 0, Color: "#fff", Clock: 1},
	}
	for round := 0; round < 128; round++ {
		channel.broadcast(0, message)
	}
	detaching.Wait()
}

func TestSlowSubscriberCutOffOnlyForUpdates(testContext *testing.T) {
	channel := newDocChannel(docKey{room: "alpha", path: "main.go"})
	subscriber, _ := channel.attach("laggard")

	presence := protocol.DocMessage{
		Kind:     protocol.DocKindPresence,
		Presence: &protocol.PresenceState{Start: 0, End: 0, Color: "#fff", Clock: 1},
	}
	for sent := 0; sent < docSendBuffer+8; sent++ {
		channel.broadcast(0, presence)
	}
	select {
	case <-subscriber.done:
		testContext.Fatal("presence overflow must not cut the subscriber off")
	default:
	}

	author := crdt.NewSequence("author")
	encoded, err := crdt.EncodeUpdate(author.InsertAt(0, "x"))
	if err != nil {
		testContext.Fatalf("encode update: %v", err)
	}
	// The stream is already full, so this update cannot be delivered.
	channel.broadcast(0, protocol.DocMessage{Kind: protocol.DocKindUpdate, Update: encoded})
	select {
	case <-subscriber.done:
	default:
		testContext.Fatal("expected cut-off after an undeliverable update")
	}
}

func TestDocumentChannelDiesWithRoom(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	host := dialWire(testContext, fixture)
	guest := dialWire(testContext, fixture)

	host.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha"})
	guestGrant := guest.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "alpha"})

	host.conn.Close()
	readEnvelope(testContext, guest.conn) // roomDeleted

	endpoint := fixture.wsURL("/doc") + "?path=main.go&token=" + url.QueryEscape(guestGrant.DocToken)
	if _, _, err := websocket.DefaultDialer.Dial(endpoint, nil); err == nil {
		testContext.Fatal("expected handshake failure after teardown")
	}
}
