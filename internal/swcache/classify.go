package swcache

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Request destinations as sent by browsers in Sec-Fetch-Dest.
const (
	DestImage    = "image"
	DestScript   = "script"
	DestStyle    = "style"
	DestDocument = "document"
)

const (
	maxAgeYear   = 365 * 24 * time.Hour
	maxAgeDay    = 24 * time.Hour
	maxAgeHour   = time.Hour
	maxAgeShort  = 5 * time.Minute
	destHeader   = "Sec-Fetch-Dest"
	destFallback = "empty"

	backendHostSuffix = ".supabase.co"
)

var (
	imageExt = regexp.MustCompile(`(?i)\.(png|jpe?g|gif|webp|avif|svg|ico|bmp)$`)
	codeExt  = regexp.MustCompile(`(?i)\.(css|js|mjs)$`)

	fontHosts = []*regexp.Regexp{
		regexp.MustCompile(`^fonts\.googleapis\.com$`),
		regexp.MustCompile(`^fonts\.gstatic\.com$`),
	}
	uploadedMedia = regexp.MustCompile(`/storage/v1/object/public/`)

	htmlRoutes = []*regexp.Regexp{
		regexp.MustCompile(`^/$`),
		regexp.MustCompile(`^/about/?$`),
		regexp.MustCompile(`^/services(/.*)?$`),
		regexp.MustCompile(`^/contact/?$`),
		regexp.MustCompile(`^/blog(/.*)?$`),
		regexp.MustCompile(`^/packages(/.*)?$`),
		regexp.MustCompile(`^/remote-teams/?$`),
	}

	apiMarkers = []string{"/api/", "/rest/v1/", "/functions/v1/", backendHostSuffix}
)

var (
	staticAssignment = Assignment{Strategy: CacheFirstStatic, Partition: PartitionStatic, MaxAge: maxAgeYear}
	shortAssignment  = Assignment{Strategy: NetworkFirstShort, Partition: PartitionDynamic, MaxAge: maxAgeShort}
	pageAssignment   = Assignment{Strategy: StaleWhileRevalidate, Partition: PartitionDynamic, MaxAge: maxAgeHour}
	longAssignment   = Assignment{Strategy: NetworkFirstLong, Partition: PartitionDynamic, MaxAge: maxAgeDay}
)

// Classify maps a request to its caching strategy. The second return value is
// false when the request must not be intercepted at all.
//
// Rules are evaluated in a fixed order and the first match wins; script and
// style requests are network-first so that a redeploy is picked up at once.
func Classify(method string, u *url.URL, dest string) (Assignment, bool) {
	if method != http.MethodGet || u == nil {
		return Assignment{}, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Assignment{}, false
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	host := strings.ToLower(u.Hostname())
	full := u.String()

	switch {
	case dest == DestImage || imageExt.MatchString(path):
		return staticAssignment, true
	case dest == DestScript || dest == DestStyle || codeExt.MatchString(path):
		return shortAssignment, true
	case matchAny(fontHosts, host) || uploadedMedia.MatchString(path):
		return staticAssignment, true
	case dest == DestDocument || matchAny(htmlRoutes, path):
		return pageAssignment, true
	case containsAny(full, apiMarkers):
		return shortAssignment, true
	}
	return longAssignment, true
}

func destinationOf(r *http.Request) string {
	d := strings.ToLower(strings.TrimSpace(r.Header.Get(destHeader)))
	if d == "" {
		return destFallback
	}
	return d
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
