package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCookies(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   []Cookie
	}{
		{
			name:   "two pairs",
			header: "c_user=100; xs=abc",
			want: []Cookie{
				{Name: "c_user", Value: "100", Domain: ".facebook.com", Path: "/"},
				{Name: "xs", Value: "abc", Domain: ".facebook.com", Path: "/"},
			},
		},
		{
			name:   "value containing equals",
			header: "token=a=b=c",
			want: []Cookie{
				{Name: "token", Value: "a=b=c", Domain: ".facebook.com", Path: "/"},
			},
		},
		{
			name:   "malformed pairs skipped",
			header: " ; novalue; =orphan;  datr = x1 ;",
			want: []Cookie{
				{Name: "datr", Value: "x1", Domain: ".facebook.com", Path: "/"},
			},
		},
		{
			name:   "empty header",
			header: "",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCookies(tt.header, "https://www.facebook.com/")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCookieDomain(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "https://www.facebook.com/", want: ".facebook.com"},
		{url: "https://m.facebook.com/story.php?id=1", want: ".facebook.com"},
		{url: "https://www.example.co.uk/path", want: ".example.co.uk"},
		{url: "http://127.0.0.1:8080/", want: "127.0.0.1"},
		{url: "http://localhost/", want: "localhost"},
		{url: "/relative/only", wantErr: true},
		{url: "://broken", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := CookieDomain(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
