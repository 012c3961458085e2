package swcache

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		url       string
		dest      string
		intercept bool
		strategy  Strategy
		partition string
		maxAge    time.Duration
	}{
		{"post is not intercepted", http.MethodPost, "https://example.com/about", "", false, "", "", 0},
		{"delete is not intercepted", http.MethodDelete, "https://example.com/api/posts/1", "", false, "", "", 0},
		{"non http scheme", http.MethodGet, "chrome-extension://abc/script.js", "", false, "", "", 0},
		{"image extension", http.MethodGet, "https://example.com/img/logo.PNG", "", true, CacheFirstStatic, PartitionStatic, 365 * 24 * time.Hour},
		{"image destination", http.MethodGet, "https://example.com/avatar", DestImage, true, CacheFirstStatic, PartitionStatic, 365 * 24 * time.Hour},
		{"image beats html route", http.MethodGet, "https://example.com/blog/cover.jpg", "", true, CacheFirstStatic, PartitionStatic, 365 * 24 * time.Hour},
		{"script extension", http.MethodGet, "https://example.com/assets/index-abc123.js", "", true, NetworkFirstShort, PartitionDynamic, 5 * time.Minute},
		{"style extension", http.MethodGet, "https://example.com/assets/index.css", "", true, NetworkFirstShort, PartitionDynamic, 5 * time.Minute},
		{"script destination beats html route", http.MethodGet, "https://example.com/about", DestScript, true, NetworkFirstShort, PartitionDynamic, 5 * time.Minute},
		{"style destination", http.MethodGet, "https://example.com/theme", DestStyle, true, NetworkFirstShort, PartitionDynamic, 5 * time.Minute},
		{"font css host", http.MethodGet, "https://fonts.googleapis.com/css2?family=Inter", "", true, CacheFirstStatic, PartitionStatic, 365 * 24 * time.Hour},
		{"font file host", http.MethodGet, "https://fonts.gstatic.com/s/inter/v12/font.woff2", "", true, CacheFirstStatic, PartitionStatic, 365 * 24 * time.Hour},
		{"uploaded media", http.MethodGet, "https://abc.supabase.co/storage/v1/object/public/blog/cover", "", true, CacheFirstStatic, PartitionStatic, 365 * 24 * time.Hour},
		{"home route", http.MethodGet, "https://example.com/", "", true, StaleWhileRevalidate, PartitionDynamic, time.Hour},
		{"about route", http.MethodGet, "https://example.com/about", "", true, StaleWhileRevalidate, PartitionDynamic, time.Hour},
		{"blog post route", http.MethodGet, "https://example.com/blog/hello-world", "", true, StaleWhileRevalidate, PartitionDynamic, time.Hour},
		{"remote teams route", http.MethodGet, "https://example.com/remote-teams", "", true, StaleWhileRevalidate, PartitionDynamic, time.Hour},
		{"document destination", http.MethodGet, "https://example.com/newsletter/42", DestDocument, true, StaleWhileRevalidate, PartitionDynamic, time.Hour},
		{"backend api", http.MethodGet, "https://abc.supabase.co/rest/v1/posts?select=*", "", true, NetworkFirstShort, PartitionDynamic, 5 * time.Minute},
		{"local api", http.MethodGet, "https://example.com/api/newsletter", "", true, NetworkFirstShort, PartitionDynamic, 5 * time.Minute},
		{"default", http.MethodGet, "https://example.com/manifest.json", "", true, NetworkFirstLong, PartitionDynamic, 24 * time.Hour},
		{"unknown route", http.MethodGet, "https://example.com/newsletter/42", destFallback, true, NetworkFirstLong, PartitionDynamic, 24 * time.Hour},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u, err := url.Parse(tc.url)
			require.NoError(t, err)

			asg, ok := Classify(tc.method, u, tc.dest)
			require.Equal(t, tc.intercept, ok)
			if !ok {
				return
			}
			assert.Equal(t, tc.strategy, asg.Strategy)
			assert.Equal(t, tc.partition, asg.Partition)
			assert.Equal(t, tc.maxAge, asg.MaxAge)
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	u, err := url.Parse("https://example.com/services/consulting")
	require.NoError(t, err)

	first, ok := Classify(http.MethodGet, u, destFallback)
	require.True(t, ok)
	for i := 0; i < 100; i++ {
		got, ok := Classify(http.MethodGet, u, destFallback)
		require.True(t, ok)
		require.Equal(t, first, got)
	}
}

func TestDestinationOf(t *testing.T) {
	r, err := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	require.NoError(t, err)
	assert.Equal(t, destFallback, destinationOf(r))

	r.Header.Set("Sec-Fetch-Dest", " Image ")
	assert.Equal(t, DestImage, destinationOf(r))
}
