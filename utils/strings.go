// Package utils holds tiny helpers shared by the search provider
// clients.
package utils

import (
	"fmt"
	"net/url"
)

// UrlQuery encodes a free-text query for use in a URL query string.
func UrlQuery(s string) string { return url.QueryEscape(s) }

// Str renders a decoded JSON value as a string, tolerating nil.
func Str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
