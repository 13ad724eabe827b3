package integration_test

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gigchat/internal/database"
	"gigchat/internal/models"
	"gigchat/internal/relay"
	"gigchat/internal/service"
	"gigchat/pkg/api"
	"gigchat/pkg/channel"
	"gigchat/pkg/mediastore"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// EnvironmentOptions tunes the relay a TestEnvironment runs.
type EnvironmentOptions struct {
	EncryptAtRest  bool
	RejectSeverity string
	LogLevel       logrus.Level
}

// DefaultEnvironmentOptions mirrors a stock relay config.
func DefaultEnvironmentOptions() EnvironmentOptions {
	return EnvironmentOptions{RejectSeverity: "medium", LogLevel: logrus.WarnLevel}
}

// TestEnvironment runs a real relay over SQLite and hands out connected
// client sessions.
type TestEnvironment struct {
	t        *testing.T
	name     string
	opts     EnvironmentOptions
	logger   *logrus.Logger
	dbPath   string
	db       *database.Database
	mediaDir string
	media    *mediastore.Store
	fixtures *TestFixtures

	mu         sync.Mutex
	relay      *relay.Server
	httpServer *httptest.Server
	cleanup    []func()
}

func NewTestEnvironment(t *testing.T, name string, opts EnvironmentOptions) *TestEnvironment {
	logger := logrus.New()
	logger.SetLevel(opts.LogLevel)

	env := &TestEnvironment{
		t:        t,
		name:     fmt.Sprintf("%s_%d", name, time.Now().UnixNano()),
		opts:     opts,
		logger:   logger,
		fixtures: NewTestFixtures(),
	}

	env.setupDatabase()
	env.setupMediaDirectory()
	env.startRelay("")
	env.seedConversations()
	return env
}

func (env *TestEnvironment) setupDatabase() {
	dir := env.t.TempDir()
	env.dbPath = filepath.Join(dir, "relay.db")

	db, err := database.New(env.dbPath, database.Options{
		EncryptAtRest: env.opts.EncryptAtRest,
		Secret:        env.fixtures.EncryptionSecret,
	})
	require.NoError(env.t, err)
	env.db = db
	env.addCleanup(func() { _ = db.Close() })
}

func (env *TestEnvironment) setupMediaDirectory() {
	env.mediaDir = filepath.Join(env.t.TempDir(), "media")
	store, err := mediastore.New(env.mediaDir, 5<<20)
	require.NoError(env.t, err)
	env.media = store
}

// startRelay serves a fresh relay on addr, or on a random port when addr
// is empty.
func (env *TestEnvironment) startRelay(addr string) {
	cfg := models.Config{
		Relay: models.RelayConfig{RejectSeverity: env.opts.RejectSeverity},
		Media: models.MediaConfig{MaxUploadSizeMB: 5},
	}
	srv, err := relay.NewServer(cfg, relay.Deps{Store: env.db, Media: env.media, Logger: env.logger})
	require.NoError(env.t, err)

	ts := httptest.NewUnstartedServer(srv.Handler())
	if addr != "" {
		l, err := net.Listen("tcp", addr)
		require.NoError(env.t, err)
		_ = ts.Listener.Close()
		ts.Listener = l
	}
	ts.Start()

	env.mu.Lock()
	first := env.relay == nil
	env.relay = srv
	env.httpServer = ts
	env.mu.Unlock()

	if first {
		env.addCleanup(env.stopRelay)
	}
}

func (env *TestEnvironment) stopRelay() {
	env.mu.Lock()
	srv, ts := env.relay, env.httpServer
	env.mu.Unlock()
	srv.Close()
	ts.Close()
}

// RestartRelay drops every websocket and brings the relay back on the
// same address with the same database. whileDown, if set, runs while
// nothing is listening.
func (env *TestEnvironment) RestartRelay(whileDown func()) {
	addr := env.httpServer.Listener.Addr().String()
	env.stopRelay()
	if whileDown != nil {
		whileDown()
	}
	env.startRelay(addr)
}

func (env *TestEnvironment) seedConversations() {
	for _, conv := range env.fixtures.Conversations() {
		require.NoError(env.t, env.db.SaveConversation(context.Background(), conv))
	}
}

func (env *TestEnvironment) BaseURL() string {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.httpServer.URL
}

func (env *TestEnvironment) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(env.BaseURL(), "http") + "/ws"
}

func (env *TestEnvironment) Relay() *relay.Server {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.relay
}

func (env *TestEnvironment) addCleanup(fn func()) {
	env.cleanup = append(env.cleanup, fn)
}

// Cleanup tears down in reverse order of setup.
func (env *TestEnvironment) Cleanup() {
	for i := len(env.cleanup) - 1; i >= 0; i-- {
		env.cleanup[i]()
	}
	env.cleanup = nil
}

// Participant is one user with an open session.
type Participant struct {
	UserID  string
	API     *api.Client
	Channel *channel.Client
	Session *service.Session
	Events  *EventRecorder
}

// Join connects userID and opens conversationID for them.
func (env *TestEnvironment) Join(userID, conversationID string) *Participant {
	env.t.Helper()
	p, err := env.TryJoin(userID, conversationID)
	require.NoError(env.t, err)
	env.WaitForMembers(conversationID, userID)
	return p
}

// TryJoin is Join without the assertions, for users expected to be refused.
func (env *TestEnvironment) TryJoin(userID, conversationID string) (*Participant, error) {
	ctx := context.Background()
	cfg := &models.Config{
		UserID:     userID,
		Moderation: models.ModerationConfig{DebounceMs: 20, AdvisoryBannerTTLSec: 2},
		Presence:   models.PresenceConfig{TypingInactivityMs: 300, TypingExpirySec: 2},
	}

	apiClient := api.NewClient(models.APIConfig{BaseURL: env.BaseURL(), TimeoutSec: 5}, userID, nil, env.logger)
	ch := channel.NewClient(models.ChannelConfig{URL: env.WebsocketURL()}, env.fixtures.Retry, userID, env.logger)
	if err := ch.Connect(ctx); err != nil {
		return nil, err
	}

	recorder := NewEventRecorder()
	ch.Subscribe(recorder.Record)

	session, err := service.OpenSession(ctx, service.NewSessionConfig(cfg, conversationID), apiClient, ch, env.logger)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	env.addCleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = session.Close(closeCtx)
		_ = ch.Close()
	})
	return &Participant{UserID: userID, API: apiClient, Channel: ch, Session: session, Events: recorder}, nil
}

// WaitForMembers blocks until each user is joined in the relay hub.
func (env *TestEnvironment) WaitForMembers(conversationID string, userIDs ...string) {
	env.t.Helper()
	require.Eventually(env.t, func() bool {
		members := env.Relay().Hub().Members(conversationID)
		for _, id := range userIDs {
			found := false
			for _, m := range members {
				if m == id {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}, DefaultWait, PollInterval)
}
