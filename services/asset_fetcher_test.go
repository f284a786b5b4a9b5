package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/logging"
)

func TestParseDataURI(t *testing.T) {
	tests := []struct {
		name        string
		ref         string
		contentType string
		data        string
		wantErr     bool
	}{
		{name: "base64", ref: "data:image/png;base64,aGVsbG8=", contentType: "image/png", data: "hello"},
		{name: "unpadded base64", ref: "data:audio/mpeg;base64,aGVsbG8", contentType: "audio/mpeg", data: "hello"},
		{name: "percent encoded", ref: "data:text/plain,hi%20there", contentType: "text/plain", data: "hi there"},
		{name: "default media type", ref: "data:,x", contentType: "text/plain", data: "x"},
		{name: "media type parameters", ref: "data:audio/webm;codecs=opus;base64,aGk=", contentType: "audio/webm", data: "hi"},
		{name: "missing comma", ref: "data:image/png;base64", wantErr: true},
		{name: "bad base64", ref: "data:image/png;base64,***", wantErr: true},
		{name: "not a data URI", ref: "https://cdn.example.com/a.png", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, data, err := ParseDataURI(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.contentType, ct)
			assert.Equal(t, tt.data, string(data))
		})
	}
}

func TestRelayPath(t *testing.T) {
	f, err := NewAssetFetcher(nil, "https://studio.example.com", "https://studio.example.com/api/proxy", logging.Discard())
	require.NoError(t, err)

	assert.Equal(t,
		"https://studio.example.com/api/proxy?url=https%3A%2F%2Fcdn.other.com%2Fa.mp4%3Fsig%3D1",
		f.RelayPath("https://cdn.other.com/a.mp4?sig=1"))
	assert.Equal(t, "https://studio.example.com/media/a.png", f.RelayPath("https://studio.example.com/media/a.png"))
	assert.Equal(t, "/media/a.png", f.RelayPath("/media/a.png"))
	assert.Equal(t, "data:,x", f.RelayPath("data:,x"))
}

func TestNewAssetFetcherRejectsRelativeBase(t *testing.T) {
	_, err := NewAssetFetcher(nil, "/media", "", logging.Discard())
	assert.Error(t, err)
}

func TestFetchRoutesThirdPartyThroughRelay(t *testing.T) {
	var relayed string
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relayed = r.URL.Query().Get("url")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("relayed"))
	}))
	defer relay.Close()

	f, err := NewAssetFetcher(relay.Client(), "", relay.URL+"/api/proxy", logging.Discard())
	require.NoError(t, err)

	asset, err := f.Fetch(context.Background(), "https://cdn.other.com/a.png", t.TempDir(), "image")
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.other.com/a.png", relayed)
	assert.True(t, asset.OriginClean)
	assert.True(t, asset.Temp)
	assert.Equal(t, "image/png", asset.ContentType)
	data, err := os.ReadFile(asset.Path)
	require.NoError(t, err)
	assert.Equal(t, "relayed", string(data))
}

func TestFetchDirectCrossOriginCleanliness(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cors.png" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		_, _ = w.Write([]byte("px"))
	}))
	defer srv.Close()

	f, err := NewAssetFetcher(srv.Client(), "", "", logging.Discard())
	require.NoError(t, err)

	plain, err := f.Fetch(context.Background(), srv.URL+"/plain.png", t.TempDir(), "a")
	require.NoError(t, err)
	assert.False(t, plain.OriginClean)

	cors, err := f.Fetch(context.Background(), srv.URL+"/cors.png", t.TempDir(), "b")
	require.NoError(t, err)
	assert.True(t, cors.OriginClean)
}

func TestFetchRelativeAndLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/media/a.mp3" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("same-origin"))
	}))
	defer srv.Close()

	withBase, err := NewAssetFetcher(srv.Client(), srv.URL, "", logging.Discard())
	require.NoError(t, err)
	asset, err := withBase.Fetch(context.Background(), "/media/a.mp3", t.TempDir(), "audio")
	require.NoError(t, err)
	assert.True(t, asset.OriginClean)

	_, err = withBase.Fetch(context.Background(), "/media/missing.mp3", t.TempDir(), "audio")
	assert.Error(t, err)

	local := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(local, []byte("clip"), 0644))
	noBase, err := NewAssetFetcher(nil, "", "", logging.Discard())
	require.NoError(t, err)

	asset, err = noBase.Fetch(context.Background(), local, t.TempDir(), "video")
	require.NoError(t, err)
	assert.Equal(t, local, asset.Path)
	assert.False(t, asset.Temp, "local files are never removed")

	_, err = noBase.Fetch(context.Background(), "/does/not/exist.mp4", t.TempDir(), "video")
	assert.Error(t, err)
}

func TestFetchDataURIWritesFile(t *testing.T) {
	f, err := NewAssetFetcher(nil, "", "", logging.Discard())
	require.NoError(t, err)

	asset, err := f.Fetch(context.Background(), "data:audio/wav;base64,aGVsbG8=", filepath.Join(t.TempDir(), "scene-001"), "audio")
	require.NoError(t, err)
	assert.True(t, asset.OriginClean)
	assert.Equal(t, "audio/wav", asset.ContentType)
	data, err := os.ReadFile(asset.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}
