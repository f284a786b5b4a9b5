package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vincent-petithory/dataurl"

	"storystudio/utils"
)

// FetchedAsset is an asset reference materialised as a local file
type FetchedAsset struct {
	Path        string
	ContentType string
	// OriginClean is false when the bytes came from a third party that did not
	// grant cross-origin access. Drawing them taints the surface.
	OriginClean bool
	// Temp marks files the fetcher created and the caller must remove
	Temp bool
}

// AssetFetcher resolves scene media references. Third-party URLs go through
// the relay, relative references resolve against the asset base URL or the
// local filesystem, and data URIs are decoded in place.
type AssetFetcher struct {
	client   *http.Client
	baseURL  *url.URL
	relayURL string
	logger   *slog.Logger
}

// NewAssetFetcher creates a fetcher. Both URLs are optional.
func NewAssetFetcher(client *http.Client, assetBaseURL, relayURL string, logger *slog.Logger) (*AssetFetcher, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	f := &AssetFetcher{client: client, relayURL: relayURL, logger: logger}
	if assetBaseURL != "" {
		u, err := url.Parse(assetBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid asset base URL %q", assetBaseURL)
		}
		f.baseURL = u
	}
	return f, nil
}

// RelayPath rewrites a third-party URL to go through the relay. Other
// references are returned unchanged.
func (f *AssetFetcher) RelayPath(ref string) string {
	if f.relayURL == "" || !f.isThirdParty(ref) {
		return ref
	}
	sep := "?"
	if strings.Contains(f.relayURL, "?") {
		sep = "&"
	}
	return f.relayURL + sep + "url=" + url.QueryEscape(ref)
}

func (f *AssetFetcher) isThirdParty(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if f.baseURL == nil {
		return true
	}
	return !strings.EqualFold(u.Scheme, f.baseURL.Scheme) || !strings.EqualFold(u.Host, f.baseURL.Host)
}

// Fetch materialises ref under dir using name as the file stem
func (f *AssetFetcher) Fetch(ctx context.Context, ref, dir, name string) (*FetchedAsset, error) {
	switch {
	case ref == "":
		return nil, errors.New("empty asset reference")
	case strings.HasPrefix(ref, "data:"):
		return f.fetchDataURI(ref, dir, name)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		if !f.isThirdParty(ref) {
			return f.download(ctx, ref, dir, name, true)
		}
		if f.relayURL != "" {
			return f.download(ctx, f.RelayPath(ref), dir, name, true)
		}
		return f.download(ctx, ref, dir, name, false)
	case f.baseURL != nil:
		rel, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("invalid asset reference: %w", err)
		}
		return f.download(ctx, f.baseURL.ResolveReference(rel).String(), dir, name, true)
	default:
		if !utils.FileExists(ref) {
			return nil, fmt.Errorf("asset file not found: %s", ref)
		}
		return &FetchedAsset{Path: ref, OriginClean: true}, nil
	}
}

// download fetches into a temp file. A cross-origin response that is not
// known to be clean becomes clean only if it allows any origin.
func (f *AssetFetcher) download(ctx context.Context, target, dir, name string, clean bool) (*FetchedAsset, error) {
	path := filepath.Join(dir, name)
	header, err := utils.DownloadFile(ctx, f.client, target, path)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	if !clean {
		clean = header.Get("Access-Control-Allow-Origin") != ""
	}
	return &FetchedAsset{
		Path:        path,
		ContentType: header.Get("Content-Type"),
		OriginClean: clean,
		Temp:        true,
	}, nil
}

func (f *AssetFetcher) fetchDataURI(ref, dir, name string) (*FetchedAsset, error) {
	contentType, data, err := ParseDataURI(ref)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write data URI: %w", err)
	}
	return &FetchedAsset{Path: path, ContentType: contentType, OriginClean: true, Temp: true}, nil
}

// ParseDataURI decodes a data: URI into its media type and payload. A data
// URI without a media type is text/plain.
func ParseDataURI(ref string) (string, []byte, error) {
	if !strings.HasPrefix(ref, "data:") {
		return "", nil, errors.New("not a data URI")
	}
	du, err := dataurl.DecodeString(padBase64(ref))
	if err != nil {
		return "", nil, fmt.Errorf("invalid data URI: %w", err)
	}
	return du.MediaType.ContentType(), du.Data, nil
}

// padBase64 restores the padding some encoders strip from base64 payloads
func padBase64(ref string) string {
	meta, payload, ok := strings.Cut(ref, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return ref
	}
	if n := len(payload) % 4; n != 0 {
		return ref + strings.Repeat("=", 4-n)
	}
	return ref
}
