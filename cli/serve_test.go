package cli

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/config"
	"storystudio/handlers"
	"storystudio/services"
)

func TestRelayURLForDefaultsToOwnProxy(t *testing.T) {
	t.Setenv("RELAY_URL", "")
	t.Setenv("PORT", "9191")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9191/api/proxy", relayURLFor(cfg))

	fetcher, err := services.NewAssetFetcher(nil, cfg.AssetBaseURL, relayURLFor(cfg), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t,
		"http://127.0.0.1:9191/api/proxy?url="+url.QueryEscape("https://cdn.example.com/scene.png"),
		fetcher.RelayPath("https://cdn.example.com/scene.png"))

	cfg.RelayURL = "https://relay.example.com/fetch"
	assert.Equal(t, "https://relay.example.com/fetch", relayURLFor(cfg))
}

func TestDefaultRelayKeepsThirdPartyAssetsClean(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// upstream grants no cross-origin access
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer upstream.Close()

	var relayed atomic.Int32
	r := gin.New()
	proxy := handlers.NewProxyHandler(services.NewRelayService(nil, nil, logger), logger)
	r.GET("/api/proxy", func(c *gin.Context) {
		relayed.Add(1)
		proxy.Proxy(c)
	})
	relay := httptest.NewServer(r)
	defer relay.Close()

	u, err := url.Parse(relay.URL)
	require.NoError(t, err)
	cfg := &config.Config{Port: u.Port()}

	fetcher, err := services.NewAssetFetcher(nil, "", relayURLFor(cfg), logger)
	require.NoError(t, err)

	asset, err := fetcher.Fetch(context.Background(), upstream.URL+"/scene.png", t.TempDir(), "scene.png")
	require.NoError(t, err)
	assert.True(t, asset.OriginClean)
	assert.Equal(t, int32(1), relayed.Load())
}
