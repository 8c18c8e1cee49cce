package app

import (
	"context"
	"fmt"

	"chanrelay/internal/config"
	"chanrelay/internal/storage"
	logx "chanrelay/pkg/logx"
)

// QueueReport is the persisted state of every channel known to the store
// or listed in the config.
type QueueReport struct {
	Driver   string
	Path     string
	Channels []storage.ChannelState
}

// InspectQueue loads the config at cfgPath and reads the queue store without
// starting any loop.
func InspectQueue(ctx context.Context, cfgPath string) (QueueReport, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return QueueReport{}, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return QueueReport{}, err
	}
	store, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return QueueReport{}, fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	states, err := store.Snapshot(ctx)
	if err != nil {
		return QueueReport{}, err
	}
	seen := make(map[string]bool, len(states))
	for _, st := range states {
		seen[st.Channel] = true
	}
	for _, ch := range cfg.Channels {
		if !seen[ch.Channel] {
			states = append(states, storage.ChannelState{Channel: ch.Channel})
		}
	}
	return QueueReport{Driver: sc.Driver, Path: sc.Path, Channels: states}, nil
}
