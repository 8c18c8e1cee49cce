package sink

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"chanrelay/internal/message"
)

func TestRender(t *testing.T) {
	t.Parallel()

	photo := &message.Media{Kind: message.TypePhoto, URL: "https://cdn/x.jpg"}
	cases := []struct {
		name string
		unit Unit
		want string
	}{
		{
			name: "single text",
			unit: Unit{DisplayName: "News", Messages: []message.Message{{Text: "**hello**"}}},
			want: "From #News:\nhello",
		},
		{
			name: "album with repeated caption",
			unit: Unit{DisplayName: "News", Messages: []message.Message{
				{Text: "caption", Media: photo},
				{Text: "caption", Media: photo},
			}},
			want: "From #News:\ncaption",
		},
		{
			name: "distinct parts joined",
			unit: Unit{DisplayName: "News", Messages: []message.Message{{Text: "a"}, {Text: ""}, {Text: "b"}}},
			want: "From #News:\na\nb",
		},
		{
			name: "exclude text on media",
			unit: Unit{DisplayName: "News", Options: Options{ExcludeTextOnMedia: true}, Messages: []message.Message{
				{Text: "caption", Media: photo},
			}},
			want: "From #News:\n",
		},
		{
			name: "exclude text without media keeps body",
			unit: Unit{DisplayName: "News", Options: Options{ExcludeTextOnMedia: true}, Messages: []message.Message{{Text: "plain"}}},
			want: "From #News:\nplain",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Render(tc.unit))
		})
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	require.Nil(t, SplitText("", 10))
	require.Equal(t, []string{"short"}, SplitText("short", 10))

	parts := SplitText("line one\nline two\nline three", 12)
	require.Equal(t, []string{"line one", "line two", "line three"}, parts)

	long := strings.Repeat("频", 25)
	parts = SplitText(long, 10)
	require.Len(t, parts, 3)
	require.Equal(t, long, strings.Join(parts, ""))
}
