package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chanrelay/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens), and
// (3) the channels that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	// Source (never log token)
	oSrc, nSrc := oldCfg.Source, newCfg.Source
	if oSrc.BaseURL != nSrc.BaseURL || oSrc.Timeout != nSrc.Timeout || oSrc.RetryMax != nSrc.RetryMax ||
		oSrc.RetryBase != nSrc.RetryBase || (oSrc.Token != "") != (nSrc.Token != "") {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.base_url", nSrc.BaseURL),
			logx.Bool("source.token_set", nSrc.Token != ""),
			logx.Int("source.retry_max", nSrc.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sinks, newCfg.Sinks) {
		changed = append(changed, "sinks")
		attrs = append(attrs,
			logx.Bool("sinks.telegram", newCfg.Sinks.Telegram != nil && newCfg.Sinks.Telegram.Enabled),
			logx.Bool("sinks.napcat", newCfg.Sinks.NapCat != nil && newCfg.Sinks.NapCat.Enabled),
			logx.Bool("sinks.discord", newCfg.Sinks.Discord != nil && newCfg.Sinks.Discord.Enabled),
		)
	}

	of, nf := oldCfg.Forward, newCfg.Forward
	if !reflect.DeepEqual(of, nf) {
		changed = append(changed, "forward")
		attrs = append(attrs,
			logx.Duration("forward.check_interval", nf.CheckIntervalOrDefault()),
			logx.Duration("forward.send_interval", nf.SendIntervalOrDefault()),
			logx.Int("forward.batch_size_limit", nf.BatchLimitOrDefault()),
			logx.Int("forward.keywords", len(nf.FilterKeywords)),
			logx.Int("forward.merge_rules", len(nf.MergeRules)),
		)
	}

	oSt, nSt := oldCfg.Status, newCfg.Status
	if oSt.Enabled != nSt.Enabled || oSt.Addr != nSt.Addr || oSt.Pprof != nSt.Pprof || (oSt.Token != "") != (nSt.Token != "") {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", nSt.Enabled),
			logx.String("status.addr", nSt.Addr),
			logx.Bool("status.pprof", nSt.Pprof),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	channels := diffChannels(oldCfg.Channels, newCfg.Channels)
	if len(channels) > 0 {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Int("channels.changed_count", len(channels)),
			logx.Int("channels.count", len(newCfg.Channels)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, channels
}

func diffChannels(oldList, newList []ChannelConfig) []string {
	oldM := make(map[string]ChannelConfig, len(oldList))
	for _, c := range oldList {
		oldM[c.Channel] = c
	}
	newM := make(map[string]ChannelConfig, len(newList))
	for _, c := range newList {
		newM[c.Channel] = c
	}

	var out []string
	for name, n := range newM {
		if o, ok := oldM[name]; !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
