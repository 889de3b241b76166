// Package web serves the built dashboard frontend.
package web

import (
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

// UI serves a single-page app from a filesystem, falling back to
// index.html for client-side routes.
type UI struct {
	files fs.FS
	fsrv  http.Handler
}

// NewUI serves the frontend build in dir. It returns an error when dir has
// no index.html.
func NewUI(dir string) (*UI, error) {
	files := os.DirFS(dir)
	if _, err := fs.Stat(files, "index.html"); err != nil {
		return nil, fmt.Errorf("static dir %s: %w", dir, err)
	}
	return NewUIFromFS(files), nil
}

// NewUIFromFS serves the frontend from files.
func NewUIFromFS(files fs.FS) *UI {
	return &UI{files: files, fsrv: http.FileServer(http.FS(files))}
}

func (u *UI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestPath := r.URL.Path

	// API and push routes never fall through to the app
	if strings.HasPrefix(requestPath, "/api/") || requestPath == "/api" || requestPath == "/ws" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if requestPath == "/" || requestPath == "" {
		u.serveIndex(w)
		return
	}

	filePath := strings.TrimPrefix(path.Clean(requestPath), "/")
	info, err := fs.Stat(u.files, filePath)
	if err == nil && !info.IsDir() {
		u.fsrv.ServeHTTP(w, r)
		return
	}

	u.serveIndex(w)
}

func (u *UI) serveIndex(w http.ResponseWriter) {
	data, err := fs.ReadFile(u.files, "index.html")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
