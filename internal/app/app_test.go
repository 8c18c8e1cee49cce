package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"chanrelay/internal/config"
	"chanrelay/internal/eventbus"
	"chanrelay/internal/forwarder"
	"chanrelay/internal/storage"
	logx "chanrelay/pkg/logx"
)

func TestCaptureSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{name: "default", want: "1m0s"},
		{
			name: "shortest channel wins",
			cfg: config.Config{
				Forward:  config.ForwardConfig{CheckInterval: "2m"},
				Channels: []config.ChannelConfig{{Channel: "a", CheckInterval: "30s"}, {Channel: "b"}},
			},
			want: "30s",
		},
		{
			name: "floor",
			cfg:  config.Config{Channels: []config.ChannelConfig{{Channel: "a", CheckInterval: "1s"}}},
			want: "5s",
		},
		{
			name: "explicit",
			cfg:  config.Config{Forward: config.ForwardConfig{CaptureSchedule: "*/2 * * * *"}},
			want: "*/2 * * * *",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, captureSchedule(&tt.cfg))
		})
	}
}

func TestDispatchSchedule(t *testing.T) {
	t.Parallel()

	require.Equal(t, "@every 1m0s", dispatchSchedule(&config.Config{}))
	require.Equal(t, "@every 15s", dispatchSchedule(&config.Config{Forward: config.ForwardConfig{SendInterval: "15s"}}))
	require.Equal(t, "02:00", dispatchSchedule(&config.Config{Forward: config.ForwardConfig{SendInterval: "15s", DispatchSchedule: "02:00"}}))
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, storage.Config{Driver: "file", Path: defaultQueuePath}, sc)

	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "SQLite3", Path: "q.db"}})
	require.NoError(t, err)
	require.Equal(t, storage.Config{Driver: "sqlite", Path: "q.db", BusyTimeout: sc.BusyTimeout}, sc)
	require.Positive(t, sc.BusyTimeout)

	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite"}})
	require.Error(t, err)
	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "redis"}})
	require.Error(t, err)
}

func TestValidateRuntime(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateRuntime(&config.Config{}))
	require.Error(t, validateRuntime(&config.Config{Forward: config.ForwardConfig{CaptureSchedule: "61 * * * *"}}))
	require.Error(t, validateRuntime(&config.Config{Forward: config.ForwardConfig{DispatchSchedule: "soon"}}))
	require.Error(t, validateRuntime(&config.Config{Timezone: "Mars/Olympus"}))
}

func TestBuildSinks(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Sinks: config.SinksConfig{
		NapCat:   &config.NapCatSinkConfig{Enabled: true, URL: "localhost", Groups: []int64{1}},
		Discord:  &config.DiscordSinkConfig{Enabled: true, Webhooks: []string{"https://discord.com/api/webhooks/123/abc"}},
		Telegram: &config.TelegramSinkConfig{Enabled: false},
	}}
	sinks, err := buildSinks(cfg, logx.Nop())
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	require.Equal(t, "napcat", sinks[0].Name())
	require.Equal(t, "discord", sinks[1].Name())

	cfg.Sinks.Telegram.Enabled = true
	cfg.Sinks.NapCat.URL = "ftp://nope"
	sinks, err = buildSinks(cfg, logx.Nop())
	require.Error(t, err)
	require.ErrorContains(t, err, "sinks.telegram")
	require.ErrorContains(t, err, "sinks.napcat")
	require.Len(t, sinks, 1)
}

func TestBuildSourceRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := buildSource(&config.Config{}, logx.Nop())
	require.Error(t, err)

	src, err := buildSource(&config.Config{Source: config.SourceConfig{BaseURL: "http://127.0.0.1:8080", RetryMax: 2}}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, src)
}

func TestInspectQueue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	queue := filepath.Join(dir, "queue.json")
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{
		"storage": {"driver": "file", "path": "`+filepath.ToSlash(queue)+`"},
		"channels": [{"channel": "news"}, {"channel": "quiet"}]
	}`), 0o644))

	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "file", Path: queue}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.SetWatermark(ctx, "news", 42))
	require.NoError(t, st.Enqueue(ctx, storage.PendingItem{Channel: "news", MessageID: 42}))
	require.NoError(t, st.Close())

	rep, err := InspectQueue(ctx, cfgPath)
	require.NoError(t, err)
	require.Equal(t, "file", rep.Driver)
	require.Equal(t, []storage.ChannelState{
		{Channel: "news", Watermark: 42, Pending: 1},
		{Channel: "quiet"},
	}, rep.Channels)
}

func TestStatsIncludesDroppedEvents(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Source: config.SourceConfig{BaseURL: "http://127.0.0.1:8080"}}
	src, err := buildSource(cfg, logx.Nop())
	require.NoError(t, err)
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "queue.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New()
	fwd, err := forwarder.New(forwarder.Options{Source: src, Store: store, Config: config.NewStaticManager(cfg), Bus: bus, Log: logx.Nop()})
	require.NoError(t, err)
	a := &App{bus: bus, fwd: fwd, store: store, log: logx.Nop()}

	_, unsub := bus.Subscribe(1)
	defer unsub()
	bus.Publish(eventbus.Event{Type: eventbus.TopicStats})
	bus.Publish(eventbus.Event{Type: eventbus.TopicStats})

	st := a.stats()
	require.Equal(t, uint64(1), st.EventsDropped)
	require.Zero(t, st.Captured)
}
