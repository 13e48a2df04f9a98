package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courier-project/courier/internal/config"
	"github.com/courier-project/courier/internal/db"
	"github.com/courier-project/courier/internal/events"
	"github.com/courier-project/courier/internal/health"
	"github.com/courier-project/courier/internal/network"
	"github.com/courier-project/courier/internal/protocol"
)

const testToken = "secret"

type testEnv struct {
	cfg      *config.Config
	server   *Server
	iface    *network.NetworkInterface
	channels *network.ChannelRegistry
	store    *db.StatsStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.API.Token = testToken
	cfg.Logging.Directory = t.TempDir()

	reg, err := cfg.Registry()
	require.NoError(t, err)

	store, err := db.NewStatsStore(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	iface := network.NewNetworkInterface(cfg.Network(network.NewStats()))
	channels := network.NewChannelRegistry()
	return &testEnv{
		cfg:      cfg,
		server:   NewServer(cfg, events.NewEventBus(), iface, channels, reg, store),
		iface:    iface,
		channels: channels,
		store:    store,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

// openChannel registers a stream channel and returns the peer end.
func (e *testEnv) openChannel(t *testing.T) (*network.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	peer := <-accepted
	t.Cleanup(func() { peer.Close() })

	conn, err := network.NewStreamConn(client, e.iface)
	require.NoError(t, err)
	e.channels.Register(conn)
	t.Cleanup(func() { conn.Close() })
	return conn, peer
}

func TestPublicEndpointsSkipAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/public/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"service":"courier"`)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for _, header := range []string{"", "Bearer wrong", "Basic secret"} {
		req := httptest.NewRequest(http.MethodGet, "/api/monitor/stats", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}

	code, _ := env.do(t, http.MethodGet, "/api/monitor/stats", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestSendFramesMessageOnChannel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn, peer := env.openChannel(t)

	code, out := env.do(t, http.MethodPost, "/api/control/send", SendRequest{
		Channel: conn.ID(),
		Message: "chat",
		Text:    "hi",
	})
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, true, out["delivered"])
	require.EqualValues(t, 6, out["bytes"])

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 6)
	_, err := io.ReadFull(peer, buf)
	require.NoError(t, err)
	// chat is id 3, variable length: id, length 2, payload.
	require.Equal(t, []byte{0, 3, 0, 2, 'h', 'i'}, buf)

	code, out = env.do(t, http.MethodGet, "/api/monitor/stats/messages/chat", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, out["send_count"])
	require.EqualValues(t, 6, out["send_bytes"])
}

func TestSendRejectsUnknownTargets(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn, _ := env.openChannel(t)

	code, _ := env.do(t, http.MethodPost, "/api/control/send", SendRequest{Channel: conn.ID(), Message: "nope"})
	require.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodPost, "/api/control/send", SendRequest{Channel: "tcp:none", Message: "chat"})
	require.Equal(t, http.StatusNotFound, code)

	// position is fixed at 12 bytes.
	code, _ = env.do(t, http.MethodPost, "/api/control/send", SendRequest{Channel: conn.ID(), Message: "position", Text: "x"})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/api/control/send", map[string]string{"channel": conn.ID()})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestBroadcastAndChannelLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	first, _ := env.openChannel(t)
	env.openChannel(t)

	code, out := env.do(t, http.MethodGet, "/api/monitor/channels", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, out["total"])

	code, out = env.do(t, http.MethodPost, "/api/control/broadcast", SendRequest{Message: "heartbeat"})
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, out["total"])

	code, out = env.do(t, http.MethodGet, "/api/monitor/channels/"+first.ID(), nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, out["bytes_sent"])

	code, _ = env.do(t, http.MethodPost, "/api/control/channels/"+first.ID()+"/close", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, first.IsClosed())
	require.Equal(t, 1, env.channels.Count())

	code, _ = env.do(t, http.MethodGet, "/api/monitor/channels/"+first.ID(), nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestHistoryEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	chat := &protocol.MessageDescriptor{ID: 3, Name: "chat", Length: protocol.VariableLength}
	env.iface.Stats().TrackMessage(network.Outbound, chat, 20)
	id, err := env.store.SaveSnapshot(env.iface.Stats().Snapshot())
	require.NoError(t, err)
	require.NoError(t, env.store.RecordDiscard("tcp:x", 3, 1))

	code, out := env.do(t, http.MethodGet, "/api/monitor/history/snapshots?limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, out["count"])

	code, out = env.do(t, http.MethodGet, "/api/monitor/history/messages/3", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "chat", out["message"])
	require.Len(t, out["history"], 1)

	code, out = env.do(t, http.MethodGet, "/api/monitor/history/snapshots/"+strconv.FormatInt(id, 10), nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out["messages"], 1)

	code, out = env.do(t, http.MethodGet, "/api/monitor/history/discards", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, out["count"])

	code, _ = env.do(t, http.MethodPost, "/api/control/stats/reset", nil)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, env.iface.Stats().Snapshot().Messages)
}

func TestHistoryWithoutStore(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.server.store = nil
	code, _ := env.do(t, http.MethodGet, "/api/monitor/history/snapshots", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
}

type staticHealth struct {
	report health.Report
	ok     bool
}

func (h staticHealth) Last() (health.Report, bool) { return h.report, h.ok }

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	code, _ := env.do(t, http.MethodGet, "/api/monitor/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)

	env.server.SetHealth(staticHealth{})
	code, _ = env.do(t, http.MethodGet, "/api/monitor/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)

	env.server.SetHealth(staticHealth{ok: true, report: health.Report{
		Status: health.StatusWarning,
		Checks: []health.Check{{Name: "host", Status: health.StatusWarning, Message: "cpu 95.0%"}},
	}})
	code, body := env.do(t, http.MethodGet, "/api/monitor/health", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "warning", body["status"])
	require.Len(t, body["checks"], 1)
}

func TestConfigureMessagesAndPacket(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	code, _ := env.do(t, http.MethodPost, "/api/configure/messages",
		config.MessageDefinition{ID: 40, Name: "trade", Length: -1})
	require.Equal(t, http.StatusCreated, code)
	_, ok := env.server.messages.ByName("trade")
	require.True(t, ok)

	code, _ = env.do(t, http.MethodPost, "/api/configure/messages",
		config.MessageDefinition{ID: 40, Name: "again", Length: -1})
	require.Equal(t, http.StatusConflict, code)

	reloaded, err := config.Load(filepath.Dir(env.cfg.Path()))
	require.NoError(t, err)
	require.Contains(t, reloaded.GetMessages(), config.MessageDefinition{ID: 40, Name: "trade", Length: -1})

	code, out := env.do(t, http.MethodPost, "/api/configure/packet", fieldUpdate{Key: "block_cipher_aligned", Value: true})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, out["restart_required"])
	require.True(t, env.cfg.GetPacket().BlockCipherAligned)

	code, _ = env.do(t, http.MethodPost, "/api/configure/packet", fieldUpdate{Key: "stream_chunk_size", Value: 2})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, protocol.PacketMaxSizeTCP, env.cfg.GetPacket().StreamChunkSize)

	code, out = env.do(t, http.MethodGet, "/api/configure/config", nil)
	require.Equal(t, http.StatusOK, code)
	api := out["api"].(map[string]interface{})
	require.Equal(t, "", api["token"])
}

func TestReadRecentLogEntries(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	path := filepath.Join(env.cfg.GetLogging().Directory, "courier.log")
	lines := `{"level":"info","time":"t1","message":"one","channel":"a"}
not json
{"level":"warn","time":"t3","message":"three"}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0644))

	entries, err := readRecentLogEntries(path, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "not json", entries[0].Message)
	require.Equal(t, "warn", entries[1].Level)

	entries, err = readRecentLogEntries(path, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "a", entries[0].Fields["channel"])
}

func TestClientLimiterRejectsOverBudget(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.cfg.API.RateLimitRPS = 1
	server := NewServer(env.cfg, events.NewEventBus(), env.iface, env.channels, env.server.messages, nil)

	var last *httptest.ResponseRecorder
	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		last = httptest.NewRecorder()
		server.Handler().ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/api/public/ping", nil))
		codes = append(codes, last.Code)
	}
	require.Equal(t, http.StatusTooManyRequests, codes[3])
	require.NotEmpty(t, last.Header().Get("Retry-After"))
}

func TestClientLimiterRefillsAndForgetsIdleClients(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	cl := NewClientLimiter(1)
	cl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		ok, _ := cl.allow("10.0.0.1")
		require.True(t, ok)
	}
	ok, wait := cl.allow("10.0.0.1")
	require.False(t, ok)
	require.Equal(t, time.Second, wait)

	now = now.Add(time.Second)
	ok, _ = cl.allow("10.0.0.1")
	require.True(t, ok)

	now = now.Add(idleClientTTL + time.Second)
	ok, _ = cl.allow("10.0.0.2")
	require.True(t, ok)
	require.Equal(t, 1, cl.Clients())
}

func TestAdminHeaders(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/public/ping", nil))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.Equal(t, env.cfg.GetNode().Name, rec.Header().Get("X-Courier-Node"))
}
