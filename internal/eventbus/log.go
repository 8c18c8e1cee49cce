package eventbus

import (
	"context"

	logx "chanrelay/pkg/logx"
)

// LogEvents writes every event on b to log at debug level until ctx ends.
func LogEvents(ctx context.Context, b Bus, log logx.Logger) {
	ch, unsub := b.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}
