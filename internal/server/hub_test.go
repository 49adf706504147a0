package server

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cowritehq/cowrite/internal/auth"
	"github.com/cowritehq/cowrite/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wireWait = 2 * time.Second

type serverFixture struct {
	server *httptest.Server
	hub    *Hub
	store  *RecoveryStore
}

func newServerFixture(testContext *testing.T) *serverFixture {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := OpenDatabase(filepath.Join(testContext.TempDir(), "recovery.db"), nil)
	if err != nil {
		testContext.Fatalf("open database: %v", err)
	}
	store, err := NewRecoveryStore(db, nil)
	if err != nil {
		testContext.Fatalf("new store: %v", err)
	}
	tokens := auth.NewDocTokenIssuer(auth.DocTokenIssuerConfig{SigningSecret: []byte("test-secret")})
	hub, err := NewHub(HubConfig{Tokens: tokens, Store: store})
	if err != nil {
		testContext.Fatalf("new hub: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{Hub: hub, Tokens: tokens})
	if err != nil {
		testContext.Fatalf("new handler: %v", err)
	}

	server := httptest.NewServer(handler)
	testContext.Cleanup(server.Close)
	return &serverFixture{server: server, hub: hub, store: store}
}

func (fixture *serverFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(fixture.server.URL, "http") + path
}

// wireClient is a raw coordination-channel connection for driving the server
// without the client-side session layer.
type wireClient struct {
	testContext   *testing.T
	conn          *websocket.Conn
	participantID string
}

func dialWire(testContext *testing.T, fixture *serverFixture) *wireClient {
	testContext.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fixture.wsURL("/ws"), nil)
	if err != nil {
		testContext.Fatalf("dial: %v", err)
	}
	testContext.Cleanup(func() { conn.Close() })

	welcome := readEnvelope(testContext, conn)
	if welcome.Type != protocol.TypeWelcome {
		testContext.Fatalf("first frame = %s, want welcome", welcome.Type)
	}
	var payload protocol.WelcomePayload
	if err := protocol.DecodePayload(welcome, &payload); err != nil {
		testContext.Fatalf("welcome payload: %v", err)
	}
	return &wireClient{testContext: testContext, conn: conn, participantID: payload.ParticipantID}
}

func readEnvelope(testContext *testing.T, conn *websocket.Conn) protocol.Envelope {
	testContext.Helper()
	conn.SetReadDeadline(time.Now().Add(wireWait))
	var envelope protocol.Envelope
	if err := conn.ReadJSON(&envelope); err != nil {
		testContext.Fatalf("read envelope: %v", err)
	}
	return envelope
}

func (client *wireClient) send(messageType protocol.MessageType, requestID string, payload any) {
	client.testContext.Helper()
	envelope, err := protocol.NewEnvelope(messageType, requestID, payload)
	if err != nil {
		client.testContext.Fatalf("envelope: %v", err)
	}
	client.conn.SetWriteDeadline(time.Now().Add(wireWait))
	if err := client.conn.WriteJSON(envelope); err != nil {
		client.testContext.Fatalf("write envelope: %v", err)
	}
}

func (client *wireClient) roundTrip(messageType protocol.MessageType, payload any) protocol.RoomStatusPayload {
	client.testContext.Helper()
	client.send(messageType, "req-"+string(messageType), payload)
	response := readEnvelope(client.testContext, client.conn)
	if response.Type != protocol.TypeResponse {
		client.testContext.Fatalf("response type = %s", response.Type)
	}
	var status protocol.RoomStatusPayload
	if err := protocol.DecodePayload(response, &status); err != nil {
		client.testContext.Fatalf("status payload: %v", err)
	}
	return status
}

func TestCreateRoomRejectsDuplicateName(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	host := dialWire(testContext, fixture)
	rival := dialWire(testContext, fixture)

	created := host.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha", Password: "pw"})
	if created.Status != protocol.StatusCreatedRoom {
		testContext.Fatalf("status = %q", created.Status)
	}
	if created.HostID != host.participantID {
		testContext.Fatalf("host id = %q, want %q", created.HostID, host.participantID)
	}
	if created.DocToken == "" {
		testContext.Fatal("expected doc token in grant")
	}

	duplicate := rival.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha"})
	if duplicate.Status != protocol.StatusRoomExists {
		testContext.Fatalf("status = %q, want %q", duplicate.Status, protocol.StatusRoomExists)
	}
}

func TestMalformedRoomRequestsAnswerBadRequest(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	client := dialWire(testContext, fixture)

	// A payload of the wrong JSON shape must not leak a lookup status.
	if status := client.roundTrip(protocol.TypeCreateRoom, "garbage"); status.Status != protocol.StatusBadRequest {
		testContext.Fatalf("create status = %q, want %q", status.Status, protocol.StatusBadRequest)
	}
	if status := client.roundTrip(protocol.TypeJoinRoom, "garbage"); status.Status != protocol.StatusBadRequest {
		testContext.Fatalf("join status = %q, want %q", status.Status, protocol.StatusBadRequest)
	}
}

func TestJoinRoomPasswordChecks(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	host := dialWire(testContext, fixture)
	guest := dialWire(testContext, fixture)

	host.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha", Password: "pw"})

	if status := guest.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "missing"}); status.Status != protocol.StatusRoomNotFound {
		testContext.Fatalf("status = %q, want %q", status.Status, protocol.StatusRoomNotFound)
	}
	if status := guest.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "alpha", Password: "bad"}); status.Status != protocol.StatusWrongPassword {
		testContext.Fatalf("status = %q, want %q", status.Status, protocol.StatusWrongPassword)
	}
	joined := guest.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "alpha", Password: "pw"})
	if joined.Status != protocol.StatusJoinedRoom {
		testContext.Fatalf("status = %q, want %q", joined.Status, protocol.StatusJoinedRoom)
	}
	if joined.HostID != host.participantID {
		testContext.Fatalf("host id = %q", joined.HostID)
	}

	listing := fixture.hub.RoomList()
	if info, ok := listing["alpha"]; !ok || info.MemberCount != 2 || !info.HasPassword {
		testContext.Fatalf("listing = %+v", listing)
	}
}

func TestFSRequestRelayRoundTrip(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	host := dialWire(testContext, fixture)
	guest := dialWire(testContext, fixture)

	host.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha"})
	guest.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "alpha"})

	guest.send(protocol.TypeFSRequest, "fs-1", protocol.FSRequestPayload{Op: protocol.FSOpReadFile, Path: "a.txt"})

	relayed := readEnvelope(testContext, host.conn)
	if relayed.Type != protocol.TypeFSRequest || relayed.From != guest.participantID {
		testContext.Fatalf("relayed = %+v", relayed)
	}

	response, err := protocol.NewEnvelope(protocol.TypeFSResponse, relayed.ID,
		protocol.FSResponsePayload{Ok: true, Content: []byte("hello")})
	if err != nil {
		testContext.Fatalf("envelope: %v", err)
	}
	response.To = relayed.From
	host.conn.SetWriteDeadline(time.Now().Add(wireWait))
	if err := host.conn.WriteJSON(response); err != nil {
		testContext.Fatalf("write response: %v", err)
	}

	answered := readEnvelope(testContext, guest.conn)
	if answered.Type != protocol.TypeFSResponse || answered.ID != "fs-1" {
		testContext.Fatalf("answered = %+v", answered)
	}
	var payload protocol.FSResponsePayload
	if err := protocol.DecodePayload(answered, &payload); err != nil {
		testContext.Fatalf("payload: %v", err)
	}
	if !payload.Ok || string(payload.Content) != "hello" {
		testContext.Fatalf("payload = %+v", payload)
	}
}

func TestFSRequestWithoutRoomFailsFast(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	loner := dialWire(testContext, fixture)

	loner.send(protocol.TypeFSRequest, "fs-1", protocol.FSRequestPayload{Op: protocol.FSOpStat, Path: "a.txt"})
	answered := readEnvelope(testContext, loner.conn)
	if answered.Type != protocol.TypeFSResponse {
		testContext.Fatalf("type = %s", answered.Type)
	}
	var payload protocol.FSResponsePayload
	if err := protocol.DecodePayload(answered, &payload); err != nil {
		testContext.Fatalf("payload: %v", err)
	}
	if payload.Ok {
		testContext.Fatal("expected failed response without a host")
	}
}

func TestFileChangedReachesOnlyWatchers(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	host := dialWire(testContext, fixture)
	watcher := dialWire(testContext, fixture)
	bystander := dialWire(testContext, fixture)

	host.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha"})
	watcher.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "alpha"})
	bystander.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "alpha"})

	watcher.send(protocol.TypeWatchFile, "", protocol.WatchPayload{Path: "", Recursive: true})
	// Watch registration races the change broadcast without an ack; settle.
	time.Sleep(100 * time.Millisecond)

	host.send(protocol.TypeFileChanged, "", protocol.FileChangedPayload{
		Changes: []protocol.FileChange{{Path: "src/a.go", Kind: protocol.ChangeChanged}},
	})

	notified := readEnvelope(testContext, watcher.conn)
	if notified.Type != protocol.TypeFileChanged {
		testContext.Fatalf("type = %s", notified.Type)
	}

	bystander.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var stray protocol.Envelope
	if err := bystander.conn.ReadJSON(&stray); err == nil {
		testContext.Fatalf("bystander received %s without a watch", stray.Type)
	}
}

func TestRecoveryIsSingleUse(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	host := dialWire(testContext, fixture)
	guest := dialWire(testContext, fixture)

	host.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha"})
	guest.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "alpha"})
	if status := guest.roundTrip(protocol.TypeSaveState, protocol.SaveStatePayload{RecoverySecret: "secret-1"}); status.Status != protocol.StatusStateSaved {
		testContext.Fatalf("status = %q", status.Status)
	}

	guest.conn.Close()

	returning := dialWire(testContext, fixture)
	recovered := returning.roundTrip(protocol.TypeRecoverState, protocol.RecoverStatePayload{
		ParticipantID:  guest.participantID,
		RecoverySecret: "secret-1",
	})
	if recovered.Status != protocol.StatusRecovered {
		testContext.Fatalf("status = %q, want %q", recovered.Status, protocol.StatusRecovered)
	}
	if recovered.ParticipantID != guest.participantID {
		testContext.Fatalf("recovered id = %q, want %q", recovered.ParticipantID, guest.participantID)
	}

	replayer := dialWire(testContext, fixture)
	replayed := replayer.roundTrip(protocol.TypeRecoverState, protocol.RecoverStatePayload{
		ParticipantID:  guest.participantID,
		RecoverySecret: "secret-1",
	})
	if replayed.Status != protocol.StatusNotRecovered {
		testContext.Fatalf("status = %q, want %q", replayed.Status, protocol.StatusNotRecovered)
	}
}

func TestRecoveryRejectsMismatchedParticipant(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	host := dialWire(testContext, fixture)
	guest := dialWire(testContext, fixture)

	host.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha"})
	guest.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "alpha"})
	guest.roundTrip(protocol.TypeSaveState, protocol.SaveStatePayload{RecoverySecret: "secret-1"})

	thief := dialWire(testContext, fixture)
	stolen := thief.roundTrip(protocol.TypeRecoverState, protocol.RecoverStatePayload{
		ParticipantID:  "someone-else",
		RecoverySecret: "secret-1",
	})
	if stolen.Status != protocol.StatusNotRecovered {
		testContext.Fatalf("status = %q, want %q", stolen.Status, protocol.StatusNotRecovered)
	}
}

func TestExplicitLeaveInvalidatesCredentialAndNotifies(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	host := dialWire(testContext, fixture)
	guest := dialWire(testContext, fixture)

	host.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha"})
	guest.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "alpha"})
	guest.roundTrip(protocol.TypeSaveState, protocol.SaveStatePayload{RecoverySecret: "secret-1"})

	if status := guest.roundTrip(protocol.TypeLeaveRoom, struct{}{}); status.Status != protocol.StatusLeftRoom {
		testContext.Fatalf("status = %q", status.Status)
	}

	left := readEnvelope(testContext, host.conn)
	if left.Type != protocol.TypeUserLeft {
		testContext.Fatalf("type = %s, want userLeft", left.Type)
	}
	var payload protocol.UserLeftPayload
	if err := protocol.DecodePayload(left, &payload); err != nil {
		testContext.Fatalf("payload: %v", err)
	}
	if payload.ParticipantID != guest.participantID {
		testContext.Fatalf("participant = %q", payload.ParticipantID)
	}

	if _, found, err := fixture.store.Consume("secret-1"); err != nil || found {
		testContext.Fatalf("credential survived explicit leave: found=%v err=%v", found, err)
	}
}

func TestHostDisconnectTearsRoomDown(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	host := dialWire(testContext, fixture)
	guest := dialWire(testContext, fixture)

	host.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha"})
	guest.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "alpha"})
	guest.roundTrip(protocol.TypeSaveState, protocol.SaveStatePayload{RecoverySecret: "secret-1"})

	host.conn.Close()

	deleted := readEnvelope(testContext, guest.conn)
	if deleted.Type != protocol.TypeRoomDeleted {
		testContext.Fatalf("type = %s, want roomDeleted", deleted.Type)
	}
	if listing := fixture.hub.RoomList(); len(listing) != 0 {
		testContext.Fatalf("rooms after teardown = %+v", listing)
	}
	if _, found, err := fixture.store.Consume("secret-1"); err != nil || found {
		testContext.Fatalf("credential survived teardown: found=%v err=%v", found, err)
	}
}

func TestGuestDisconnectOnlyShrinksRoom(testContext *testing.T) {
	fixture := newServerFixture(testContext)
	host := dialWire(testContext, fixture)
	guest := dialWire(testContext, fixture)

	host.roundTrip(protocol.TypeCreateRoom, protocol.CreateRoomPayload{Name: "alpha"})
	guest.roundTrip(protocol.TypeJoinRoom, protocol.JoinRoomPayload{Name: "alpha"})

	guest.conn.Close()

	left := readEnvelope(testContext, host.conn)
	if left.Type != protocol.TypeUserLeft {
		testContext.Fatalf("type = %s, want userLeft", left.Type)
	}
	listing := fixture.hub.RoomList()
	if info, ok := listing["alpha"]; !ok || info.MemberCount != 1 {
		testContext.Fatalf("listing = %+v", listing)
	}
}
