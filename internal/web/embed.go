// Package web serves the embedded renderer bundle.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed dist/*
var staticFiles embed.FS

const indexFile = "index.html"

// GetFileSystem returns the embedded filesystem with the dist folder as root.
func GetFileSystem() (fs.FS, error) {
	return fs.Sub(staticFiles, "dist")
}

// RegisterStaticRoutes serves the bundle for every path that is not under
// apiPrefix. Unknown paths fall back to index.html so the client router can
// resolve them. Register API routes first.
func RegisterStaticRoutes(e *echo.Echo, apiPrefix string) error {
	staticFS, err := GetFileSystem()
	if err != nil {
		return err
	}
	index, err := fs.ReadFile(staticFS, indexFile)
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	e.GET("/*", func(c echo.Context) error {
		requestPath := path.Clean("/" + c.Param("*"))
		if apiPrefix != "" && (requestPath == apiPrefix || strings.HasPrefix(requestPath, apiPrefix+"/")) {
			return echo.ErrNotFound
		}

		name := strings.TrimPrefix(requestPath, "/")
		if name == "" || name == indexFile || !isFile(staticFS, name) {
			c.Response().Header().Set("Cache-Control", "no-cache")
			return c.HTMLBlob(http.StatusOK, index)
		}

		if strings.HasPrefix(name, "assets/") {
			c.Response().Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		}
		fileServer.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	return nil
}

func isFile(fsys fs.FS, name string) bool {
	stat, err := fs.Stat(fsys, name)
	return err == nil && !stat.IsDir()
}

// HasEmbeddedFiles reports whether a built bundle is embedded.
func HasEmbeddedFiles() bool {
	_, err := fs.Stat(staticFiles, path.Join("dist", indexFile))
	return err == nil
}
