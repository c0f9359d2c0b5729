package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/recallchat/internal/attachment"
	"github.com/vovakirdan/recallchat/internal/auth"
	"github.com/vovakirdan/recallchat/internal/config"
	"github.com/vovakirdan/recallchat/internal/core"
	"github.com/vovakirdan/recallchat/internal/metrics"
	"github.com/vovakirdan/recallchat/internal/proto"
	"github.com/vovakirdan/recallchat/internal/store/sqlite"
)

type testServer struct {
	ts      *httptest.Server
	hub     *core.Hub
	store   *sqlite.SQLiteStore
	fs      afero.Fs
	metrics *metrics.Metrics
}

// startTestServer wires a full server over an in-memory store and filesystem.
func startTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Addr = ":0"
	cfg.RateLimitRPS = 0
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := sqlite.NewWithSetup(":memory:", sqlite.ApplySchema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := zerolog.Nop()
	fs := afero.NewMemMapFs()
	m := metrics.New()

	hub := core.NewHub(core.HubConfig{
		Store:      st,
		Reconciler: attachment.NewReconciler(fs, &logger),
		Metrics:    m,
		Logger:     &logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	authService := auth.NewService(&auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})

	server := NewServer(Deps{Hub: hub, Store: st, Auth: authService, Metrics: m}, &cfg, &logger)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testServer{ts: ts, hub: hub, store: st, fs: fs, metrics: m}
}

type wsClient struct {
	t    *testing.T
	ctx  context.Context
	conn *websocket.Conn
}

// wireFrame mirrors proto.Outbound with the payload left undecoded.
type wireFrame struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func (s *testServer) dial(t *testing.T) *wsClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	wsURL := strings.Replace(s.ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err, "dial")
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })

	c := &wsClient{t: t, ctx: ctx, conn: conn}
	c.expectEvent("history")
	return c
}

func (c *wsClient) send(typ string, data any) {
	c.t.Helper()

	payload, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, wsjson.Write(c.ctx, c.conn, proto.Inbound{Type: typ, Data: payload}))
}

func (c *wsClient) join(id, username string) {
	c.t.Helper()

	c.send(proto.InboundTypeJoin, proto.JoinData{ID: id, Username: username})
	c.expectEvent("presence-list")
}

// next returns the next frame matching match, skipping the rest.
func (c *wsClient) next(match func(wireFrame) bool) wireFrame {
	c.t.Helper()

	for {
		var frame wireFrame
		require.NoError(c.t, wsjson.Read(c.ctx, c.conn, &frame), "read frame")
		if match(frame) {
			return frame
		}
	}
}

func (c *wsClient) expectEvent(name string) wireFrame {
	c.t.Helper()
	return c.next(func(f wireFrame) bool { return f.Type == proto.OutboundTypeEvent && f.Event == name })
}

func (c *wsClient) expectError() *proto.Error {
	c.t.Helper()
	frame := c.next(func(f wireFrame) bool { return f.Type == proto.OutboundTypeError })
	require.NotNil(c.t, frame.Error)
	return frame.Error
}

func decodeData[T any](t *testing.T, frame wireFrame) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(frame.Data, &out))
	return out
}
