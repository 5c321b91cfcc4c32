package fingerprint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/curator/internal/domain"
	"github.com/jonesrussell/curator/internal/fingerprint"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"forces https and strips www", "http://www.Instagram.com/p/AbC123/", "https://instagram.com/p/AbC123"},
		{"drops tracking params and fragment", "https://youtube.com/watch?v=xY&utm_source=ig&fbclid=1#t=3", "https://youtube.com/watch?v=xY"},
		{"sorts query", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"removes default port", "https://example.com:443/x", "https://example.com/x"},
		{"keeps custom port", "https://example.com:8443/x", "https://example.com:8443/x"},
		{"bare host", "https://example.com/", "https://example.com"},
		{"resolves dot segments", "https://example.com/a/./b/../c", "https://example.com/a/c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := fingerprint.Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "   ", "not a url", "ftp://example.com/x", "https:///path", "://bad"} {
		_, err := fingerprint.Normalize(in)
		require.ErrorIs(t, err, domain.ErrInvalidURL, in)
	}
}

func TestFingerprint_EquivalentURLsCollide(t *testing.T) {
	t.Parallel()

	a, err := fingerprint.Fingerprint("https://www.instagram.com/reel/Qw9/?igshid=abc")
	require.NoError(t, err)
	b, err := fingerprint.Fingerprint("http://instagram.com/reel/Qw9")
	require.NoError(t, err)
	c, err := fingerprint.Fingerprint("https://instagram.com/reel/qw9")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, fingerprint.Valid(a))
	assert.Len(t, a, fingerprint.Length)
}

func TestValid(t *testing.T) {
	t.Parallel()

	assert.False(t, fingerprint.Valid(""))
	assert.False(t, fingerprint.Valid("abc"))
	upper := "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789"
	assert.False(t, fingerprint.Valid(upper))
}

func TestDetectPlatform(t *testing.T) {
	t.Parallel()

	assert.Equal(t, domain.PlatformInstagram, fingerprint.DetectPlatform("https://www.instagram.com/p/x"))
	assert.Equal(t, domain.PlatformYouTube, fingerprint.DetectPlatform("https://m.youtube.com/watch?v=1"))
	assert.Equal(t, domain.PlatformYouTube, fingerprint.DetectPlatform("https://youtu.be/abc"))
	assert.Equal(t, domain.PlatformUnknown, fingerprint.DetectPlatform("https://notinstagram.com.evil/x"))
	assert.Equal(t, domain.PlatformUnknown, fingerprint.DetectPlatform("::"))
}
