package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/lox/stopgo/internal/aggregate"
	"github.com/lox/stopgo/internal/auth"
	"github.com/lox/stopgo/internal/bot"
	"github.com/lox/stopgo/internal/client"
	"github.com/lox/stopgo/internal/game"
	"github.com/lox/stopgo/internal/history"
	"github.com/lox/stopgo/internal/logic"
	"github.com/lox/stopgo/internal/memory"
	"github.com/lox/stopgo/internal/protocol"
	"github.com/lox/stopgo/internal/randutil"
	"github.com/lox/stopgo/internal/sessionid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

func testSettings(groupSize, rounds int) GameSettings {
	s := DefaultGameSettings()
	s.GroupSize = groupSize
	s.Rounds = rounds
	s.EndLinger = 0
	return s
}

func newTestServer(t *testing.T, clock quartz.Clock, settings GameSettings, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	opts = append([]Option{
		WithDataDir(t.TempDir()),
		WithClock(clock),
		WithGame(settings),
	}, opts...)
	s, err := NewServer(testLogger(), randutil.New(42), opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func runClients(ctx context.Context, t *testing.T, cfgs []client.Config) []client.Outcome {
	t.Helper()
	outcomes := make([]client.Outcome, len(cfgs))
	g, ctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		g.Go(func() error {
			c, err := client.New(cfg)
			if err != nil {
				return err
			}
			out, err := c.Run(ctx)
			outcomes[i] = out
			return err
		})
	}
	require.NoError(t, g.Wait())
	return outcomes
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	payload, err := protocol.Encode(msgType, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func awaitType(t *testing.T, conn *websocket.Conn, msgType string) protocol.Message {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", msgType)
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func awaitStep(t *testing.T, conn *websocket.Conn, step string) protocol.StepData {
	t.Helper()
	for {
		msg := awaitType(t, conn, protocol.TypeStep)
		var data protocol.StepData
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		if data.Step == step {
			return data
		}
	}
}

func awaitRoom(t *testing.T, s *Server) *Room {
	t.Helper()
	var room *Room
	require.Eventually(t, func() bool {
		rooms := s.Rooms().Rooms()
		if len(rooms) == 0 {
			return false
		}
		room = rooms[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return room
}

func waitClosed(t *testing.T, room *Room) {
	t.Helper()
	select {
	case <-room.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("room %s did not close", room.ID())
	}
}

func TestServerHealth(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, quartz.NewMock(t), testSettings(2, 1))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestServerRoomsEndpoints(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, quartz.NewMock(t), testSettings(2, 1))

	resp, err := http.Get(ts.URL + "/rooms")
	require.NoError(t, err)
	var rooms []RoomSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, rooms)

	resp, err = http.Get(ts.URL + "/rooms/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	unknown, err := sessionid.NewGenerator(nil).Room()
	require.NoError(t, err)
	resp, err = http.Get(ts.URL + "/rooms/" + unknown)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerRejectsUnknownTreatment(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, quartz.NewMock(t), testSettings(2, 1))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts)+"?treatment=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerRequiresJoinFirst(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, quartz.NewMock(t), testSettings(2, 1))
	conn := dial(t, ts)

	sendMsg(t, conn, protocol.TypeDone, protocol.DoneData{Step: protocol.StepInstructions})
	msg := awaitType(t, conn, protocol.TypeError)
	var e protocol.ErrorData
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	assert.Equal(t, protocol.CodeInvalidMessage, e.Code)
	assert.Equal(t, "join first", e.Message)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg = awaitType(t, conn, protocol.TypeError)
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	assert.Equal(t, protocol.CodeInvalidMessage, e.Code)
}

func TestServerLobbyDeparture(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t, quartz.NewMock(t), testSettings(3, 1))
	conn := dial(t, ts)

	sendMsg(t, conn, protocol.TypeJoin, protocol.JoinData{WorkerID: "w1"})
	msg := awaitType(t, conn, protocol.TypeWelcome)
	var welcome protocol.WelcomeData
	require.NoError(t, json.Unmarshal(msg.Data, &welcome))
	assert.NotEmpty(t, welcome.ParticipantID)
	assert.Equal(t, 3, welcome.GroupSize)
	assert.Equal(t, 1, welcome.Waiting)

	lobby := s.lobbies[DefaultTreatment]
	assert.Equal(t, 1, lobby.Waiting())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return lobby.Waiting() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.Rooms().List())
}

func TestServerFullSession(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t, quartz.NewMock(t), testSettings(4, 2))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfgs := make([]client.Config, 4)
	for i := range cfgs {
		cfgs[i] = client.Config{
			URL:      wsURL(ts),
			WorkerID: fmt.Sprintf("worker-%d", i),
			Strategy: bot.Fixed{ChanceOfStop: 0, ChanceOfRight: 1},
			Rand:     randutil.New(int64(i)),
			Logger:   testLogger(),
		}
	}
	outs := runClients(ctx, t, cfgs)

	roomID := outs[0].Room
	require.NotEmpty(t, roomID)
	seen := make(map[string]bool)
	for _, out := range outs {
		assert.Equal(t, roomID, out.Room)
		assert.NotEmpty(t, out.Exit)
		assert.Len(t, out.Results, 2)
		assert.Zero(t, out.Errors)
		assert.False(t, seen[out.ParticipantID], "duplicate participant id")
		seen[out.ParticipantID] = true
	}

	room, ok := s.Rooms().Get(roomID)
	require.True(t, ok)
	waitClosed(t, room)

	summary := room.Summary()
	assert.Equal(t, StatusFinished, summary.Status)
	assert.Equal(t, protocol.StepEnd, summary.Step)
	assert.Zero(t, summary.Bots)
	require.Len(t, summary.Totals, 4)
	for _, out := range outs {
		assert.Equal(t, summary.Totals[out.ParticipantID], out.Total)
	}

	assert.Equal(t, aggregate.Counters{StopGo: 4, RightLeft: 4, Right: 4}, s.Counters().Snapshot())

	dir := filepath.Join(s.dataDir, roomID)
	assert.FileExists(t, filepath.Join(dir, logic.FileJSON))
	assert.FileExists(t, filepath.Join(dir, logic.FileCSV))

	rows, err := aggregate.ReadRows(filepath.Join(s.dataDir, AggregateFile))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, roomID, rows[0].Node)
	assert.Equal(t, 4, rows[0].Counters.StopGo)

	entries, err := history.Load(filepath.Join(dir, history.DefaultFilename))
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Equal(t, summary.Totals, history.Totals(entries))
}

func TestServerTimeoutsForfeit(t *testing.T) {
	t.Parallel()
	clock := quartz.NewMock(t)
	s, ts := newTestServer(t, clock, testSettings(2, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conns := []*websocket.Conn{dial(t, ts), dial(t, ts)}
	for i, conn := range conns {
		sendMsg(t, conn, protocol.TypeJoin, protocol.JoinData{WorkerID: fmt.Sprintf("silent-%d", i)})
		awaitType(t, conn, protocol.TypeWelcome)
	}

	for _, step := range []string{
		protocol.StepInstructions,
		protocol.StepRedChoice,
		protocol.StepBlueChoice,
		protocol.StepResults,
	} {
		for _, conn := range conns {
			data := awaitStep(t, conn, step)
			assert.Equal(t, (30 * time.Second).Milliseconds(), data.TimeoutMs)
		}
		_, w := clock.AdvanceNext()
		w.MustWait(ctx)
	}

	for _, conn := range conns {
		awaitStep(t, conn, protocol.StepEnd)
		awaitType(t, conn, protocol.TypeGameOver)
	}

	room := awaitRoom(t, s)
	waitClosed(t, room)

	summary := room.Summary()
	assert.Equal(t, StatusFinished, summary.Status)
	require.Len(t, summary.Totals, 2)
	for id, total := range summary.Totals {
		assert.Equal(t, 3.0, total, "participant %s", id)
	}

	// Forfeited decisions are never counted.
	assert.Equal(t, aggregate.Counters{}, s.Counters().Snapshot())

	data, err := os.ReadFile(filepath.Join(s.dataDir, room.ID(), logic.FileJSON))
	require.NoError(t, err)
	var records []memory.Record
	require.NoError(t, json.Unmarshal(data, &records))
	require.NotEmpty(t, records)
	for _, rec := range records {
		assert.True(t, rec.Timeup)
	}
}

func TestServerReplacesLeaverWithBot(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t, quartz.NewMock(t), testSettings(2, 2))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outs := runClients(ctx, t, []client.Config{
		{
			URL:      wsURL(ts),
			WorkerID: "stayer",
			Rand:     randutil.New(1),
			Logger:   testLogger(),
		},
		{
			URL:       wsURL(ts),
			WorkerID:  "leaver",
			Rand:      randutil.New(2),
			DropStep:  protocol.StepRedChoice,
			DropRound: 1,
			Logger:    testLogger(),
		},
	})

	stayer, leaver := outs[0], outs[1]
	assert.False(t, stayer.Dropped)
	assert.True(t, leaver.Dropped)
	assert.NotEmpty(t, stayer.Exit)
	assert.Len(t, stayer.Results, 2)

	room, ok := s.Rooms().Get(stayer.Room)
	require.True(t, ok)
	waitClosed(t, room)

	summary := room.Summary()
	assert.Equal(t, StatusFinished, summary.Status)
	assert.Equal(t, 1, summary.Bots)
	assert.Contains(t, summary.Totals, leaver.ParticipantID)
	assert.Equal(t, summary.Totals[stayer.ParticipantID], stayer.Total)

	entries, err := history.Load(filepath.Join(s.dataDir, room.ID(), history.DefaultFilename))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	resp, err := http.Get(ts.URL + "/rooms/" + room.ID())
	require.NoError(t, err)
	var view RoomSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	resp.Body.Close()
	assert.Equal(t, 1, view.Bots)

	conn := dial(t, ts)
	sendMsg(t, conn, protocol.TypeJoin, protocol.JoinData{WorkerID: "leaver"})
	msg := awaitType(t, conn, protocol.TypeError)
	var e protocol.ErrorData
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	assert.Equal(t, ErrReconnectDisallowed.Error(), e.Message)
}

func TestServerBotDecidesWithOwnStrategyAfterMidRoundTakeover(t *testing.T) {
	t.Parallel()
	settings := testSettings(2, 2)
	settings.Bot = bot.Settings{Type: bot.TypeFixed, ChanceOfStop: 1, ChanceOfRight: 0}
	s, ts := newTestServer(t, quartz.NewMock(t), settings)

	conns := []*websocket.Conn{dial(t, ts), dial(t, ts)}
	ids := make(map[*websocket.Conn]string, len(conns))
	for i, conn := range conns {
		sendMsg(t, conn, protocol.TypeJoin, protocol.JoinData{WorkerID: fmt.Sprintf("w%d", i)})
		msg := awaitType(t, conn, protocol.TypeWelcome)
		var welcome protocol.WelcomeData
		require.NoError(t, json.Unmarshal(msg.Data, &welcome))
		ids[conn] = welcome.ParticipantID
	}
	for _, conn := range conns {
		awaitStep(t, conn, protocol.StepInstructions)
		sendMsg(t, conn, protocol.TypeDone, protocol.DoneData{Step: protocol.StepInstructions})
	}

	var red, blue *websocket.Conn
	for _, conn := range conns {
		if awaitStep(t, conn, protocol.StepRedChoice).Role == string(game.Red) {
			red = conn
		} else {
			blue = conn
		}
	}
	require.NotNil(t, red)
	require.NotNil(t, blue)

	// RED goes in round 1 and leaves before the round settles.
	sendMsg(t, red, protocol.TypeDone, protocol.DoneData{Step: protocol.StepRedChoice, RedChoice: "GO"})
	sendMsg(t, blue, protocol.TypeDone, protocol.DoneData{Step: protocol.StepRedChoice})
	awaitStep(t, red, protocol.StepBlueChoice)
	require.NoError(t, red.Close())

	awaitStep(t, blue, protocol.StepBlueChoice)
	sendMsg(t, blue, protocol.TypeDone, protocol.DoneData{Step: protocol.StepBlueChoice, BlueChoice: "LEFT"})
	awaitStep(t, blue, protocol.StepResults)
	sendMsg(t, blue, protocol.TypeDone, protocol.DoneData{Step: protocol.StepResults})

	awaitStep(t, blue, protocol.StepRedChoice)
	sendMsg(t, blue, protocol.TypeDone, protocol.DoneData{Step: protocol.StepRedChoice})
	awaitStep(t, blue, protocol.StepBlueChoice)
	sendMsg(t, blue, protocol.TypeDone, protocol.DoneData{Step: protocol.StepBlueChoice, BlueChoice: "LEFT"})
	awaitStep(t, blue, protocol.StepResults)
	sendMsg(t, blue, protocol.TypeDone, protocol.DoneData{Step: protocol.StepResults})
	awaitStep(t, blue, protocol.StepEnd)

	room := awaitRoom(t, s)
	waitClosed(t, room)

	data, err := os.ReadFile(filepath.Join(s.dataDir, room.ID(), logic.FileJSON))
	require.NoError(t, err)
	var records []memory.Record
	require.NoError(t, json.Unmarshal(data, &records))

	redID := ids[red]
	choices := make(map[int]string)
	for _, rec := range records {
		if rec.Player == redID && rec.RedChoice != "" {
			choices[rec.Stage.Round] = rec.RedChoice
		}
	}
	assert.Equal(t, map[int]string{1: "GO", 2: "STOP"}, choices)

	assert.Equal(t, 1, room.Summary().Bots)
}

func TestServerCollectsSubmissionsDuringLinger(t *testing.T) {
	t.Parallel()
	clock := quartz.NewMock(t)
	settings := testSettings(2, 1)
	settings.EndLinger = time.Minute
	s, ts := newTestServer(t, clock, settings)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfgs := make([]client.Config, 2)
	for i := range cfgs {
		cfgs[i] = client.Config{
			URL:      wsURL(ts),
			WorkerID: fmt.Sprintf("worker-%d", i),
			Rand:     randutil.New(int64(i)),
			Email:    fmt.Sprintf("p%d@example.com", i),
			Feedback: "thanks",
			Logger:   testLogger(),
		}
	}

	done := make(chan []client.Outcome, 1)
	go func() {
		g, gctx := errgroup.WithContext(ctx)
		outs := make([]client.Outcome, len(cfgs))
		for i, cfg := range cfgs {
			g.Go(func() error {
				c, err := client.New(cfg)
				if err != nil {
					return err
				}
				outs[i], err = c.Run(gctx)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			t.Errorf("clients: %v", err)
		}
		done <- outs
	}()

	room := awaitRoom(t, s)
	feedback := filepath.Join(s.dataDir, room.ID(), logic.FileFeedback)
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(feedback)
		return err == nil && strings.Count(string(data), "thanks") == 2
	}, 10*time.Second, 10*time.Millisecond)

	_, w := clock.AdvanceNext()
	w.MustWait(ctx)

	select {
	case outs := <-done:
		for _, out := range outs {
			assert.NotEmpty(t, out.Exit)
		}
	case <-ctx.Done():
		t.Fatal("clients did not finish after the linger period")
	}

	waitClosed(t, room)
	emails, err := os.ReadFile(filepath.Join(s.dataDir, room.ID(), logic.FileEmail))
	require.NoError(t, err)
	assert.Contains(t, string(emails), "p0@example.com")
	assert.Contains(t, string(emails), "p1@example.com")
}

type stubVerifier struct {
	err error
}

func (v stubVerifier) Verify(_ context.Context, creds auth.Credentials) (*auth.Identity, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &auth.Identity{WorkerID: "verified-" + creds.WorkerID}, nil
}

func TestServerVerifiesCredentials(t *testing.T) {
	t.Parallel()

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()
		_, ts := newTestServer(t, quartz.NewMock(t), testSettings(2, 1), WithVerifier(stubVerifier{err: auth.ErrRejected}, true))
		conn := dial(t, ts)

		sendMsg(t, conn, protocol.TypeJoin, protocol.JoinData{WorkerID: "w1", AccessCode: "bad"})
		msg := awaitType(t, conn, protocol.TypeError)
		var e protocol.ErrorData
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, protocol.CodeAccessDenied, e.Code)
	})

	t.Run("unavailable fails closed", func(t *testing.T) {
		t.Parallel()
		_, ts := newTestServer(t, quartz.NewMock(t), testSettings(2, 1), WithVerifier(stubVerifier{err: auth.ErrUnavailable}, false))
		conn := dial(t, ts)

		sendMsg(t, conn, protocol.TypeJoin, protocol.JoinData{WorkerID: "w1"})
		msg := awaitType(t, conn, protocol.TypeError)
		var e protocol.ErrorData
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, protocol.CodeAccessDenied, e.Code)
	})

	t.Run("unavailable fails open", func(t *testing.T) {
		t.Parallel()
		s, ts := newTestServer(t, quartz.NewMock(t), testSettings(2, 1), WithVerifier(stubVerifier{err: auth.ErrUnavailable}, true))
		conn := dial(t, ts)

		sendMsg(t, conn, protocol.TypeJoin, protocol.JoinData{WorkerID: "w1"})
		awaitType(t, conn, protocol.TypeWelcome)
		assert.Equal(t, 1, s.lobbies[DefaultTreatment].Waiting())
	})

	t.Run("verified worker id recorded", func(t *testing.T) {
		t.Parallel()
		s, ts := newTestServer(t, quartz.NewMock(t), testSettings(2, 1), WithVerifier(stubVerifier{}, false))
		conn := dial(t, ts)

		sendMsg(t, conn, protocol.TypeJoin, protocol.JoinData{WorkerID: "w1"})
		awaitType(t, conn, protocol.TypeWelcome)

		waiting := s.lobbies[DefaultTreatment].Drain()
		require.Len(t, waiting, 1)
		assert.Equal(t, "verified-w1", waiting[0].Info().WorkerID)
	})
}
