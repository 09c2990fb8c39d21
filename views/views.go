// Package views embeds the HTML templates served by the file pages.
package views

import (
	"embed"
	"html/template"
)

//go:embed *.html
var files embed.FS

// IndexTemplate is the name of the listing page template.
const IndexTemplate = "index.html"

// Templates parses every embedded template. It panics on a malformed template, which can
// only happen at build time.
func Templates() *template.Template {
	return template.Must(template.ParseFS(files, "*.html"))
}
