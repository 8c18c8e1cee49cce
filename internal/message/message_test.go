package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		msg  Message
		want Type
	}{
		{"text", Message{Text: "hi"}, TypeText},
		{"photo", Message{Media: &Media{Kind: TypePhoto}}, TypePhoto},
		{"ogg document is audio", Message{Media: &Media{Kind: TypeDocument, MimeType: "application/ogg"}}, TypeAudio},
		{"mp3 document is audio", Message{Media: &Media{Kind: TypeDocument, MimeType: "audio/mpeg"}}, TypeAudio},
		{"zip document", Message{Media: &Media{Kind: TypeDocument, MimeType: "application/zip"}}, TypeDocument},
		{"unknown kind", Message{Media: &Media{}}, TypeDocument},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.msg.Type())
		})
	}
}

func TestButtonText(t *testing.T) {
	t.Parallel()

	m := Message{Buttons: [][]Button{
		{{Text: "Buy now"}, {Text: " "}},
		{{Text: "Join", URL: "https://t.me/x"}},
	}}
	require.Equal(t, "Buy now Join", m.ButtonText())
}

func TestWrapSeedsAlbumGroups(t *testing.T) {
	t.Parallel()

	env := Wrap([]Message{{ID: 1, GroupedID: "77"}, {ID: 2}})
	require.Equal(t, "album:77", env[0].GroupID)
	require.Empty(t, env[1].GroupID)
}

func TestCleanText(t *testing.T) {
	t.Parallel()

	in := "**Title** here\n频道 @somechannel\n@short\nsee [pixiv](https://pixiv.net/artworks/1) __now__"
	require.Equal(t, "Title here\nsee pixiv: https://pixiv.net/artworks/1 now", CleanText(in))
	require.Equal(t, "", CleanText(""))
	require.Equal(t, "@this line is definitely long enough", CleanText("@this line is definitely long enough"))
}
