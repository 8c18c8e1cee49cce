package merge

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"chanrelay/internal/message"
	logx "chanrelay/pkg/logx"
)

// PixivRuleName pairs an artwork preview with its original file.
const PixivRuleName = "pixiv_preview_original"

const defaultPixivWindow = 10 * time.Second

var (
	pixivLink     = regexp.MustCompile(`pixiv\.net/artworks/(\d+)`)
	pixivFileName = regexp.MustCompile(`(\d+)_p0\.`)
)

func init() {
	Register(PixivRuleName, newPixivRule)
	Register("SomeACGPreviewPlusOriginal", newPixivRule)
}

// pixivRule merges a preview (photo whose caption links pixiv.net/artworks/<id>)
// with an original (caption-less document named <id>_p0.*, or any caption-less
// audio file) posted within the time window of each other.
type pixivRule struct {
	window time.Duration
	log    logx.Logger
}

func newPixivRule(p Params, log logx.Logger) (Rule, error) {
	window, err := p.Duration("time_window", defaultPixivWindow)
	if err != nil {
		return nil, err
	}
	if _, ok := p["time_window_seconds"]; ok {
		if window, err = p.Duration("time_window_seconds", defaultPixivWindow); err != nil {
			return nil, err
		}
	}
	if window < 0 {
		return nil, fmt.Errorf("time_window must be >= 0")
	}
	return &pixivRule{window: window, log: log}, nil
}

func (r *pixivRule) CanMerge(left, right message.Message) bool {
	previewID, ok := previewArtwork(left)
	if !ok {
		return false
	}
	if !isOriginal(right) {
		return false
	}
	if right.Type() != message.TypeAudio {
		if id, ok := originalArtwork(right); !ok || id != previewID {
			return false
		}
	}
	diff := right.Date.Sub(left.Date)
	if diff < 0 {
		diff = -diff
	}
	if diff > r.window {
		r.log.Debug("pixiv pair outside window",
			logx.Int64("preview", left.ID),
			logx.Int64("original", right.ID),
			logx.Duration("diff", diff),
		)
		return false
	}
	return true
}

func (r *pixivRule) GroupKey(m message.Message) (string, bool) {
	if id, ok := previewArtwork(m); ok {
		return "pixiv_" + id, true
	}
	if isOriginal(m) {
		if id, ok := originalArtwork(m); ok {
			return "pixiv_" + id, true
		}
	}
	return "", false
}

func (r *pixivRule) MarkGroup(members []*message.Envelope, key string) {
	Stamp(members, key)
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	r.log.Info("merged preview with original",
		logx.String("key", key),
		logx.String("group", members[0].GroupID),
		logx.Int64s("ids", ids),
	)
}

func previewArtwork(m message.Message) (string, bool) {
	if m.Type() != message.TypePhoto || strings.TrimSpace(m.Text) == "" {
		return "", false
	}
	match := pixivLink.FindStringSubmatch(m.Text)
	if match == nil {
		return "", false
	}
	return match[1], true
}

func isOriginal(m message.Message) bool {
	if m.Media == nil || strings.TrimSpace(m.Text) != "" {
		return false
	}
	switch m.Type() {
	case message.TypeAudio:
		return true
	case message.TypeDocument:
		_, ok := originalArtwork(m)
		return ok
	default:
		return false
	}
}

func originalArtwork(m message.Message) (string, bool) {
	if m.Media == nil {
		return "", false
	}
	match := pixivFileName.FindStringSubmatch(m.Media.FileName)
	if match == nil {
		return "", false
	}
	return match[1], true
}
