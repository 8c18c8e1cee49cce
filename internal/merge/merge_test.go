package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chanrelay/internal/config"
	"chanrelay/internal/message"
	logx "chanrelay/pkg/logx"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func preview(id int64, at time.Time, artwork string) message.Message {
	return message.Message{
		ID: id, Channel: "SomeACG", Date: at,
		Text:  "Artist - Title\nhttps://www.pixiv.net/artworks/" + artwork + " #tag",
		Media: &message.Media{Kind: message.TypePhoto},
	}
}

func original(id int64, at time.Time, fileName string) message.Message {
	return message.Message{
		ID: id, Channel: "SomeACG", Date: at,
		Media: &message.Media{Kind: message.TypeDocument, FileName: fileName, MimeType: "image/png"},
	}
}

func pixivEngine(t *testing.T, params map[string]any) *Engine {
	t.Helper()
	e := NewEngine([]config.MergeRuleConfig{{Channel: "SomeACG", Rule: PixivRuleName, Params: params}}, logx.Nop())
	require.True(t, e.Has("SomeACG"))
	return e
}

func TestPixivPreviewAndOriginalMerge(t *testing.T) {
	t.Parallel()

	e := pixivEngine(t, nil)
	unrelated := message.Message{ID: 3, Channel: "SomeACG", Date: t0.Add(2 * time.Second), Text: "daily notice"}
	in := message.Wrap([]message.Message{
		preview(1, t0, "12345"),
		original(2, t0.Add(5*time.Second), "12345_p0.jpg"),
		unrelated,
	})

	out := e.Merge(in)
	require.Len(t, out, 3)
	require.NotEmpty(t, out[0].GroupID)
	require.Equal(t, out[0].GroupID, out[1].GroupID)
	require.Equal(t, GroupID("SomeACG", "pixiv_12345"), out[0].GroupID)
	require.Empty(t, out[2].GroupID)
	require.Empty(t, in[0].GroupID, "input is not mutated")
}

func TestPixivOriginalBeforePreview(t *testing.T) {
	t.Parallel()

	out := pixivEngine(t, nil).Merge(message.Wrap([]message.Message{
		original(10, t0, "777_p0.png"),
		preview(11, t0.Add(3*time.Second), "777"),
	}))
	require.NotEmpty(t, out[0].GroupID)
	require.Equal(t, out[0].GroupID, out[1].GroupID)
	require.Equal(t, []int64{10, 11}, []int64{out[0].ID, out[1].ID})
}

func TestPixivWindowBoundary(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		offset time.Duration
		merged bool
	}{
		{"at window", 10 * time.Second, true},
		{"just past window", 10*time.Second + 100*time.Millisecond, false},
		{"before preview at window", -10 * time.Second, true},
		{"before preview past window", -(10*time.Second + 100*time.Millisecond), false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := pixivEngine(t, map[string]any{"time_window": "10s"}).Merge(message.Wrap([]message.Message{
				preview(1, t0, "42"),
				original(2, t0.Add(tc.offset), "42_p0.jpg"),
			}))
			if tc.merged {
				require.NotEmpty(t, out[0].GroupID)
				require.Equal(t, out[0].GroupID, out[1].GroupID)
			} else {
				require.Empty(t, out[0].GroupID)
				require.Empty(t, out[1].GroupID)
			}
		})
	}
}

func TestPixivArtworkMismatch(t *testing.T) {
	t.Parallel()

	out := pixivEngine(t, nil).Merge(message.Wrap([]message.Message{
		preview(1, t0, "100"),
		original(2, t0.Add(time.Second), "200_p0.jpg"),
	}))
	require.Empty(t, out[0].GroupID)
	require.Empty(t, out[1].GroupID)
}

func TestPixivAudioOriginalNeedsNoFileName(t *testing.T) {
	t.Parallel()

	audio := message.Message{
		ID: 2, Channel: "SomeACG", Date: t0.Add(4 * time.Second),
		Media: &message.Media{Kind: message.TypeDocument, MimeType: "application/ogg"},
	}
	out := pixivEngine(t, map[string]any{"time_window_seconds": 5.0}).Merge(message.Wrap([]message.Message{
		preview(1, t0, "555"),
		audio,
	}))
	require.Equal(t, GroupID("SomeACG", "pixiv_555"), out[1].GroupID)
	require.Equal(t, out[0].GroupID, out[1].GroupID)
}

func TestMergeIsStable(t *testing.T) {
	t.Parallel()

	e := pixivEngine(t, nil)
	in := message.Wrap([]message.Message{
		preview(1, t0, "9"),
		original(2, t0.Add(time.Second), "9_p0.jpg"),
		preview(3, t0.Add(20*time.Second), "10"),
		original(4, t0.Add(21*time.Second), "10_p0.jpg"),
	})
	first := e.Merge(in)
	second := e.Merge(in)
	require.Equal(t, first, second)
	require.NotEqual(t, first[0].GroupID, first[2].GroupID)
}

func TestMergeIgnoresOtherChannels(t *testing.T) {
	t.Parallel()

	p := preview(1, t0, "1")
	o := original(2, t0, "1_p0.jpg")
	p.Channel, o.Channel = "other", "other"
	out := pixivEngine(t, nil).Merge(message.Wrap([]message.Message{p, o}))
	require.Empty(t, out[0].GroupID)
	require.Empty(t, out[1].GroupID)
}

func TestUnknownRuleIsSkipped(t *testing.T) {
	t.Parallel()

	e := NewEngine([]config.MergeRuleConfig{
		{Channel: "a", Rule: "does_not_exist"},
		{Channel: "b", Rule: PixivRuleName, Params: map[string]any{"time_window": "soon"}},
	}, logx.Nop())
	require.False(t, e.Has("a"))
	require.False(t, e.Has("b"))

	in := message.Wrap([]message.Message{{ID: 1, Channel: "a"}})
	require.Equal(t, in, e.Merge(in))
}

func TestLegacyRuleNameResolves(t *testing.T) {
	t.Parallel()

	e := NewEngine([]config.MergeRuleConfig{{Channel: "SomeACG", Rule: "SomeACGPreviewPlusOriginal"}}, logx.Nop())
	require.True(t, e.Has("SomeACG"))
}

func TestMergedAlbumMemberPullsSiblings(t *testing.T) {
	t.Parallel()

	p := preview(2, t0, "777")
	p.GroupedID = "a1"
	sibling := message.Message{ID: 3, Channel: "SomeACG", Date: t0, GroupedID: "a1", Media: &message.Media{Kind: message.TypePhoto}}
	other := message.Message{ID: 5, Channel: "SomeACG", Date: t0, GroupedID: "b2", Media: &message.Media{Kind: message.TypePhoto}}

	out := pixivEngine(t, nil).Merge(message.Wrap([]message.Message{
		sibling,
		p,
		original(4, t0.Add(3*time.Second), "777_p0.png"),
		other,
	}))

	want := GroupID("SomeACG", "pixiv_777")
	require.Equal(t, want, out[0].GroupID)
	require.Equal(t, want, out[1].GroupID)
	require.Equal(t, want, out[2].GroupID)
	require.Equal(t, message.AlbumGroupID("b2"), out[3].GroupID)
}
