package vision

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterImageURLsSkipsChromeImagery(t *testing.T) {
	t.Parallel()

	got := filterImageURLs([]string{
		"https://cdn.example.com/photo_01.jpg",
		"https://cdn.example.com/brand_logo.png",
		"https://cdn.example.com/btn_share.png",
		"https://cdn.example.com/profile/me.jpg",
		"https://cdn.example.com/product_shot.jpg",
	})
	require.Equal(t, []string{
		"https://cdn.example.com/photo_01.jpg",
		"https://cdn.example.com/product_shot.jpg",
	}, got)
}

func TestFilterImageURLsCapsBatch(t *testing.T) {
	t.Parallel()

	got := filterImageURLs([]string{
		"https://cdn.example.com/1.jpg",
		"https://cdn.example.com/2.jpg",
		"https://cdn.example.com/3.jpg",
		"https://cdn.example.com/4.jpg",
	})
	require.Len(t, got, maxImages)
}

func TestFilterImageURLsEmpty(t *testing.T) {
	t.Parallel()

	require.Empty(t, filterImageURLs(nil))
	require.Empty(t, filterImageURLs([]string{"https://cdn.example.com/icon.svg"}))
}
