// Package region derives a latency-table bucketing key from request
// headers. The key is advisory only and is never validated against a
// geography list.
package region

import (
	"net/http"
	"strings"
)

// Global is the fallback region key used when no header hint is present.
const Global = "GLOBAL"

var headerPriority = []string{
	"x-vercel-ip-country",
	"cf-ipcountry",
	"x-vercel-id",
}

// Of derives a Region Key from inbound request headers, in priority
// order: x-vercel-ip-country, cf-ipcountry, x-vercel-id, else Global.
// It never returns an empty string.
func Of(h http.Header) string {
	for _, name := range headerPriority {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return strings.ToUpper(v)
		}
	}
	return Global
}
