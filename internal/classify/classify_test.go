package classify

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestClassify(t *testing.T) {
	c := New("/", DefaultStaticResources)

	tests := []struct {
		path string
		want Class
	}{
		{"/1/audio/book/chapter1.mp3", Audio},
		{"/12/audio/a.opus?trans=m", Audio},
		{"/1/audio/a.mp3?seek=30", Unhandled},
		{"/1/audio/a.mp3?seek=", Audio},
		{"/x/audio/a.mp3", Unhandled},
		{"/1/folder/5", API},
		{"/folder", API},
		{"/collections/", API},
		{"/1/transcodings", API},
		{"/1/folderx", Unhandled},
		{"/", Static},
		{"/bundle.js", Static},
		{"/static/extended.mp3", Static},
		{"/other.js", Unhandled},
		{"/1/cover/a.jpg", Unhandled},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			require.Equal(t, tt.want, c.Classify(mustURL(t, tt.path)))
		})
	}
}

func TestClassify_WithPrefix(t *testing.T) {
	c := New("player", []string{"bundle.js"})
	require.Equal(t, "/player/", c.Prefix())

	require.Equal(t, Audio, c.Classify(mustURL(t, "/player/3/audio/a.mp3")))
	require.Equal(t, Unhandled, c.Classify(mustURL(t, "/3/audio/a.mp3")))
	require.Equal(t, API, c.Classify(mustURL(t, "/player/collections")))
	require.Equal(t, Static, c.Classify(mustURL(t, "/player/")))
	require.Equal(t, Static, c.Classify(mustURL(t, "/player/bundle.js")))
	require.Equal(t, Unhandled, c.Classify(mustURL(t, "/bundle.js")))
	require.Equal(t, Unhandled, c.Classify(nil))
}

func TestClassifyRequest_OnlyReads(t *testing.T) {
	c := New("/", DefaultStaticResources)

	get := httptest.NewRequest(http.MethodGet, "/1/folder/5", nil)
	require.Equal(t, API, c.ClassifyRequest(get))

	post := httptest.NewRequest(http.MethodPost, "/1/folder/5", nil)
	require.Equal(t, Unhandled, c.ClassifyRequest(post))
}
