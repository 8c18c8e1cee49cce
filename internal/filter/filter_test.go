package filter

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"chanrelay/internal/message"
	logx "chanrelay/pkg/logx"
)

func TestKeywordBoundaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text, kw string
		want     bool
	}{
		{"this is an ad", "ad", true},
		{"AD: buy now", "ad", true},
		{"advance notice", "ad", false},
		{"bad idea", "ad", false},
		{"ad-free", "ad", true},
		{"category theory", "cat", false},
		{"my cat, my rules", "cat", true},
		{"cat2", "cat", false},
		{"广告在这里", "广告", true},
		{"這是廣告", "廣告", true},
		{"中文ad中文", "ad", true},
		{"anything", "  ", false},
		{"ad advance ad", "ad", true},
		{"advance adverb", "ad", false},
	}
	for _, tc := range cases {
		_, hit := New(Rules{Keywords: []string{tc.kw}}, logx.Nop()).Match(message.Message{Text: tc.text})
		require.Equal(t, tc.want, hit, "%q in %q", tc.kw, tc.text)
	}
}

func TestFilterRules(t *testing.T) {
	t.Parallel()

	f := New(Rules{
		Keywords:       []string{"promo"},
		Patterns:       []string{`sale\s+\d+%`},
		Entities:       []string{"#Sponsored", "@user42"},
		IncludeButtons: true,
	}, logx.Nop())

	cases := []struct {
		name string
		msg  message.Message
		rule string
	}{
		{"keyword", message.Message{Text: "Big PROMO today"}, RuleKeyword},
		{"regex case-insensitive", message.Message{Text: "SALE 50% off"}, RuleRegex},
		{"regex spans lines", message.Message{Text: "sale\n 20%"}, RuleRegex},
		{"button caption", message.Message{Text: "new art", Buttons: [][]message.Button{{{Text: "promo link"}}}}, RuleKeyword},
		{"hashtag", message.Message{Entities: []message.Entity{{Kind: "hashtag", Value: "sponsored"}}}, RuleEntity},
		{"mention", message.Message{Entities: []message.Entity{{Kind: "mention", Value: "42"}}}, RuleEntity},
		{"clean", message.Message{Text: "promotional art"}, ""},
	}
	for _, tc := range cases {
		r, hit := f.Match(tc.msg)
		if tc.rule == "" {
			require.False(t, hit, tc.name)
			continue
		}
		require.True(t, hit, tc.name)
		require.Equal(t, tc.rule, r.Rule, tc.name)
	}
}

func TestButtonsIgnoredUnlessEnabled(t *testing.T) {
	t.Parallel()

	f := New(Rules{Keywords: []string{"promo"}}, logx.Nop())
	_, hit := f.Match(message.Message{Text: "art", Buttons: [][]message.Button{{{Text: "promo"}}}})
	require.False(t, hit)
}

func TestInvalidPatternFailsOpen(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	f := New(Rules{Patterns: []string{`(?<!x)ad`, `[`}}, logx.NewWriter(&buf, "debug"))
	require.False(t, f.Active())

	_, hit := f.Match(message.Message{Text: "ad"})
	require.False(t, hit)
	require.Contains(t, buf.String(), "invalid filter pattern")
}

func TestFilteringIsIdempotent(t *testing.T) {
	t.Parallel()

	f := New(Rules{Keywords: []string{"ad"}}, logx.Nop())
	keep := func(in []message.Message) []message.Message {
		var out []message.Message
		for _, m := range in {
			if _, hit := f.Match(m); !hit {
				out = append(out, m)
			}
		}
		return out
	}
	in := []message.Message{
		{ID: 1, Text: "hello"},
		{ID: 2, Text: "an ad"},
		{ID: 3, Text: "advance"},
		{ID: 4, Text: "AD"},
		{ID: 5},
	}

	once := keep(in)
	var ids []int64
	for _, m := range once {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []int64{1, 3, 5}, ids)
	require.Equal(t, once, keep(once))
}

func TestNoRulesMatchesNothing(t *testing.T) {
	t.Parallel()

	f := New(Rules{}, logx.Nop())
	require.False(t, f.Active())
	_, hit := f.Match(message.Message{Text: "ad"})
	require.False(t, hit)
}

func TestLimits(t *testing.T) {
	t.Parallel()

	l := Limits{
		Types:   map[message.Type]bool{message.TypePhoto: true, message.TypeDocument: true},
		MaxSize: 1000,
	}

	_, rej := l.Reject(message.Message{Media: &message.Media{Kind: message.TypePhoto, Size: 5000}})
	require.False(t, rej, "photos skip the size check")

	r, rej := l.Reject(message.Message{Media: &message.Media{Kind: message.TypeDocument, Size: 1001}})
	require.True(t, rej)
	require.Equal(t, RuleSize, r.Rule)

	_, rej = l.Reject(message.Message{Media: &message.Media{Kind: message.TypeDocument, Size: 1000}})
	require.False(t, rej)

	r, rej = l.Reject(message.Message{Text: "hi"})
	require.True(t, rej)
	require.Equal(t, RuleType, r.Rule)

	_, rej = Limits{Types: l.Types}.Reject(message.Message{Media: &message.Media{Kind: message.TypeDocument, Size: 1 << 40}})
	require.False(t, rej, "zero max size is unlimited")
}
