package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hubbub-dev/hubbub/internal/protocol"
)

const proxyTimeout = 30 * time.Second

// assetHandler serves files from the assets directory, addressed by
// identifier. The sanitized path cannot escape the directory, but the
// resolved path is checked anyway.
func (s *Server) assetHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawID := r.URL.Query().Get("id")
		id, err := protocol.ParseIdentifier(rawID)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid asset id")
			return
		}
		path := filepath.Join(s.dirs.Assets, id.SanitizedPath())
		if !strings.HasPrefix(path, filepath.Clean(s.dirs.Assets)+string(filepath.Separator)) {
			writeJSONError(w, http.StatusBadRequest, "invalid asset path")
			return
		}
		if _, err := os.Stat(path); err != nil {
			writeJSONError(w, http.StatusNotFound, "asset not found")
			return
		}
		if r.URL.Query().Has("no_cache") {
			w.Header().Set("Cache-Control", "no-cache")
		} else {
			w.Header().Set("Cache-Control", "max-age=3600")
		}
		http.ServeFile(w, r, path)
	})
}

// proxyHandler streams a remote resource for dashboard pages that
// cannot fetch cross-origin themselves.
func (s *Server) proxyHandler() http.Handler {
	client := &http.Client{Timeout: proxyTimeout}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		if target == "" {
			writeJSONError(w, http.StatusBadRequest, "url parameter is required")
			return
		}
		if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
			writeJSONError(w, http.StatusBadRequest, "unsupported url scheme")
			return
		}

		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid url")
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			log.Warn().Err(err).Str("url", target).Msg("Proxy fetch failed")
			writeJSONError(w, http.StatusBadGateway, "upstream fetch failed")
			return
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		if r.URL.Query().Has("no_cache") {
			w.Header().Set("Cache-Control", "no-cache")
		} else {
			w.Header().Set("Cache-Control", "max-age=3600")
		}
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			log.Debug().Err(err).Str("url", target).Msg("Proxy stream interrupted")
		}
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
