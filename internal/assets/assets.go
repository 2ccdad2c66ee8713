// Package assets embeds the client JavaScript, CSS and page templates.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed client/*
var clientFS embed.FS

//go:embed templates/*.html
var templatesFS embed.FS

// ClientFS returns the embedded client files.
func ClientFS() fs.FS {
	sub, err := fs.Sub(clientFS, "client")
	if err != nil {
		panic(err)
	}
	return sub
}

// TemplatesFS returns the embedded page templates.
func TemplatesFS() fs.FS {
	sub, err := fs.Sub(templatesFS, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// GetClientJS returns the browser script.
func GetClientJS() ([]byte, error) {
	return clientFS.ReadFile("client/kbase.js")
}

// GetClientCSS returns the site stylesheet.
func GetClientCSS() ([]byte, error) {
	return clientFS.ReadFile("client/kbase.css")
}
