package utils

import (
	"html/template"

	"github.com/microcosm-cc/bluemonday"
)

var noticePolicy = bluemonday.UGCPolicy()

// NoticeHTML cleans the configured notice banner so it can be rendered unescaped.
func NoticeHTML(raw string) template.HTML {
	return template.HTML(noticePolicy.Sanitize(raw)) //nolint:gosec // sanitized above
}
