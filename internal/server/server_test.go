package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tapgoose/internal/bus"
	"tapgoose/internal/history"
	"tapgoose/internal/match"
)

const testSecret = "test-secret"

type fakeGame struct {
	mu        sync.Mutex
	created   []match.Params
	joins     []string
	leaves    []string
	joinErr   error
	tapErr    error
	tapScore  int64
	available []match.View
	active    map[string]match.View
	memberOf  []string
}

func (f *fakeGame) CreateMatch(_ context.Context, _ match.PlayerInfo, params match.Params) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, params)
	return "m-new", nil
}

func (f *fakeGame) AddPlayer(_ context.Context, matchID string, player match.PlayerInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, matchID+"/"+player.ID)
	return f.joinErr
}

func (f *fakeGame) RemovePlayer(_ context.Context, matchID, playerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, matchID+"/"+playerID)
	return nil
}

func (f *fakeGame) Tap(context.Context, string, match.PlayerInfo) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tapErr != nil {
		return 0, f.tapErr
	}
	f.tapScore++
	return f.tapScore, nil
}

func (f *fakeGame) AvailableMatches(context.Context, string) ([]match.View, error) {
	return f.available, nil
}

func (f *fakeGame) ActiveMatch(_ context.Context, _ string, matchID string) (match.View, error) {
	view, ok := f.active[matchID]
	if !ok {
		return match.View{}, match.ErrNotFound
	}
	return view, nil
}

func (f *fakeGame) PlayerMatchIDs(context.Context, string) ([]string, error) {
	return f.memberOf, nil
}

type fakeHistoryReader struct {
	records map[string]history.Record
}

func (f *fakeHistoryReader) ListForPlayer(_ context.Context, playerID string) ([]history.Record, error) {
	var out []history.Record
	for _, rec := range f.records {
		for _, p := range rec.Players {
			if p.PlayerID == playerID {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func (f *fakeHistoryReader) Get(_ context.Context, matchID string) (history.Record, error) {
	rec, ok := f.records[matchID]
	if !ok {
		return history.Record{}, match.ErrNotFound
	}
	return rec, nil
}

func newTestServer(game *fakeGame) *Server {
	hist := &fakeHistoryReader{records: map[string]history.Record{
		"old": {ID: "old", Status: match.StatusFinished, Players: []match.PlayerScore{{PlayerID: "alice", Username: "Alice", Score: 19}}},
	}}
	return New(Config{JWTSecret: testSecret, MaxConnectionsPerIP: 4}, game, hist, zap.NewNop())
}

func stubClient(s *Server, player match.PlayerInfo) *Client {
	c := &Client{srv: s, player: player, send: make(chan []byte, 8), closed: make(chan struct{})}
	s.hub.register(c)
	return c
}

func nextEnvelope(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case msg := <-c.send:
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		return env
	default:
		t.Fatalf("%s did not receive a message", c.player.ID)
	}
	return Envelope{}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("%s should not receive %s", c.player.ID, msg)
	default:
	}
}

func decodeResult(t *testing.T, env Envelope) actionResult {
	t.Helper()
	var res actionResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("invalid result: %v", err)
	}
	return res
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestTapEventsOnlyReachRoomMembers(t *testing.T) {
	s := newTestServer(&fakeGame{})
	alice := stubClient(s, match.PlayerInfo{ID: "alice"})
	bob := stubClient(s, match.PlayerInfo{ID: "bob"})

	s.HandleEvent(bus.Message{Channel: bus.ChannelUserJoined, Payload: mustJSON(t, match.PlayerJoinedEvent{
		MatchPlayerInfo: match.PlayerInfo{ID: "alice"},
		MatchID:         "m1",
	})})
	if env := nextEnvelope(t, alice); env.Action != ActionUserJoined {
		t.Fatalf("expected %s broadcast, got %s", ActionUserJoined, env.Action)
	}
	if env := nextEnvelope(t, bob); env.Action != ActionUserJoined {
		t.Fatalf("joined events are broadcast, got %s", env.Action)
	}

	s.HandleEvent(bus.Message{Channel: bus.ChannelTap, Payload: mustJSON(t, match.TapEvent{MatchID: "m1", PlayerID: "alice", Score: 1})})
	env := nextEnvelope(t, alice)
	if env.Action != ActionTapSuccess {
		t.Fatalf("expected %s, got %s", ActionTapSuccess, env.Action)
	}
	var tap match.TapEvent
	if err := json.Unmarshal(env.Data, &tap); err != nil || tap.Score != 1 {
		t.Fatalf("unexpected tap payload %s (%v)", env.Data, err)
	}
	expectSilence(t, bob)
}

func TestUserLeftClosesRoom(t *testing.T) {
	s := newTestServer(&fakeGame{})
	alice := stubClient(s, match.PlayerInfo{ID: "alice"})
	s.hub.joinRoom("m1", "alice")

	s.HandleEvent(bus.Message{Channel: bus.ChannelUserLeft, Payload: mustJSON(t, match.PlayerLeftEvent{PlayerID: "alice", MatchID: "m1"})})
	if env := nextEnvelope(t, alice); env.Action != ActionUserLeft {
		t.Fatalf("expected %s, got %s", ActionUserLeft, env.Action)
	}
	if s.hub.inRoom("m1", "alice") {
		t.Fatalf("alice should have left the room")
	}

	s.HandleEvent(bus.Message{Channel: bus.ChannelTap, Payload: mustJSON(t, match.TapEvent{MatchID: "m1", PlayerID: "alice", Score: 2})})
	expectSilence(t, alice)
}

func TestLifecycleEventsAreBroadcast(t *testing.T) {
	s := newTestServer(&fakeGame{})
	alice := stubClient(s, match.PlayerInfo{ID: "alice"})

	cases := map[string]string{
		bus.ChannelMatchCreated: ActionMatchCreated,
		bus.ChannelMatchStarted: ActionMatchStarted,
		bus.ChannelMatchEnded:   ActionMatchEnded,
	}
	for channel, action := range cases {
		s.HandleEvent(bus.Message{Channel: channel, Payload: []byte(`{"id":"m1"}`)})
		if env := nextEnvelope(t, alice); env.Action != action {
			t.Fatalf("%s: expected %s, got %s", channel, action, env.Action)
		}
	}
}

func TestCreateMatchRequiresAdmin(t *testing.T) {
	game := &fakeGame{}
	s := newTestServer(game)
	user := stubClient(s, match.PlayerInfo{ID: "bob", Roles: []string{match.RoleUser}})
	admin := stubClient(s, match.PlayerInfo{ID: "root", Roles: []string{match.RoleAdmin}})
	params := mustJSON(t, match.Params{Title: "Goose", MaxPlayers: 2, MatchDurationSeconds: 5})

	user.dispatch(Envelope{Action: ActionCreateMatch, Data: params})
	env := nextEnvelope(t, user)
	if env.Action != ActionCreateMatch+resultSuffix || decodeResult(t, env).OK {
		t.Fatalf("non-admin create should fail, got %s %s", env.Action, env.Data)
	}

	admin.dispatch(Envelope{Action: ActionCreateMatch, Data: params})
	res := decodeResult(t, nextEnvelope(t, admin))
	if !res.OK || res.MatchID != "m-new" {
		t.Fatalf("admin create should succeed, got %+v", res)
	}
	if len(game.created) != 1 || !s.hub.inRoom("m-new", "root") {
		t.Fatalf("creator should be in the new room")
	}
}

func TestJoinTreatsAlreadyMemberAsSuccess(t *testing.T) {
	game := &fakeGame{joinErr: match.ErrAlreadyMember}
	s := newTestServer(game)
	alice := stubClient(s, match.PlayerInfo{ID: "alice"})

	alice.dispatch(Envelope{Action: ActionJoinMatch, Data: []byte(`{"matchId":"m1"}`)})
	if res := decodeResult(t, nextEnvelope(t, alice)); !res.OK {
		t.Fatalf("already member should be reported as success, got %+v", res)
	}

	game.joinErr = match.ErrFull
	alice.dispatch(Envelope{Action: ActionJoinMatch, Data: []byte(`{"matchId":"m1"}`)})
	res := decodeResult(t, nextEnvelope(t, alice))
	if res.OK || res.Error != match.ErrFull.Error() {
		t.Fatalf("expected full error relayed, got %+v", res)
	}

	alice.dispatch(Envelope{Action: ActionJoinMatch, Data: []byte(`{}`)})
	if res := decodeResult(t, nextEnvelope(t, alice)); res.OK {
		t.Fatalf("missing matchId should fail")
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	s := newTestServer(&fakeGame{tapErr: errors.New("dial tcp 10.0.0.5:6379: connection refused")})
	alice := stubClient(s, match.PlayerInfo{ID: "alice"})

	alice.dispatch(Envelope{Action: ActionTap, Data: []byte(`{"matchId":"m1"}`)})
	res := decodeResult(t, nextEnvelope(t, alice))
	if res.OK || res.Error != "internal error" {
		t.Fatalf("expected generic error, got %+v", res)
	}
}

func TestUnknownActionIsReported(t *testing.T) {
	s := newTestServer(&fakeGame{})
	alice := stubClient(s, match.PlayerInfo{ID: "alice"})
	alice.dispatch(Envelope{Action: "join_queue"})
	if env := nextEnvelope(t, alice); env.Action != ActionError {
		t.Fatalf("expected error envelope, got %s", env.Action)
	}
}

func TestWebsocketTapRoundTrip(t *testing.T) {
	game := &fakeGame{memberOf: []string{"m1"}}
	s := newTestServer(game)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Close()

	token, err := s.identity.Issue(match.PlayerInfo{ID: "alice", Username: "Alice"}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Envelope{Action: ActionTap, Data: []byte(`{"matchId":"m1"}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	res := decodeResult(t, env)
	if env.Action != ActionTap+resultSuffix || !res.OK || res.Score == nil || *res.Score != 1 {
		t.Fatalf("unexpected reply %s %s", env.Action, env.Data)
	}

	if !s.hub.inRoom("m1", "alice") {
		t.Fatalf("reconnecting player should rejoin existing rooms")
	}
	s.HandleEvent(bus.Message{Channel: bus.ChannelTap, Payload: mustJSON(t, match.TapEvent{MatchID: "m1", PlayerID: "alice", Score: 1})})
	if err := conn.ReadJSON(&env); err != nil || env.Action != ActionTapSuccess {
		t.Fatalf("expected relayed tap, got %s (%v)", env.Action, err)
	}
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	s := newTestServer(&fakeGame{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatalf("dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func apiGet(t *testing.T, s *Server, path, token string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.api.Test(req, -1)
	if err != nil {
		t.Fatalf("request %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestAPI(t *testing.T) {
	game := &fakeGame{
		available: []match.View{{ID: "m1", Status: match.StatusWaiting}},
		active:    map[string]match.View{"m2": {ID: "m2", Status: match.StatusOngoing}},
		memberOf:  []string{"m2", "gone"},
	}
	s := newTestServer(game)
	token, _ := s.identity.Issue(match.PlayerInfo{ID: "alice"}, time.Minute)

	if code, _ := apiGet(t, s, apiPrefix+"/matches/available", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}

	code, body := apiGet(t, s, apiPrefix+"/matches/available", token)
	if code != http.StatusOK || !strings.Contains(body, `"id":"m1"`) {
		t.Fatalf("unexpected available response %d %s", code, body)
	}

	code, body = apiGet(t, s, apiPrefix+"/matches/active", token)
	if code != http.StatusOK || !strings.Contains(body, `"id":"m2"`) || strings.Contains(body, "gone") {
		t.Fatalf("unexpected active response %d %s", code, body)
	}

	if code, _ := apiGet(t, s, apiPrefix+"/matches/active/m9", token); code != http.StatusNotFound {
		t.Fatalf("expected 404 for a match the player is not in, got %d", code)
	}

	code, body = apiGet(t, s, apiPrefix+"/matches/history/user/alice", token)
	if code != http.StatusOK || !strings.Contains(body, `"score":19`) {
		t.Fatalf("unexpected history response %d %s", code, body)
	}

	if code, _ := apiGet(t, s, apiPrefix+"/matches/history/match/missing", token); code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing history, got %d", code)
	}
}
