package shot

import (
	"net/url"
	"sort"
	"strings"
)

var knownSites = map[string]string{
	"wikipedia": "https://www.wikipedia.org/",
	"nytimes":   "https://www.nytimes.com/",
	"airbnb":    "https://www.airbnb.com/",
	"github":    "https://github.com/",
	"reddit":    "https://www.reddit.com/",
}

// DefaultSite is used when no site is given.
const DefaultSite = "wikipedia"

// Sites returns the known site labels in sorted order.
func Sites() []string {
	out := make([]string, 0, len(knownSites))
	for label := range knownSites {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// ResolveSite turns a known label or an absolute http(s) URL into a Target.
func ResolveSite(site string) (Target, error) {
	site = strings.TrimSpace(site)
	if site == "" {
		site = DefaultSite
	}
	if u, ok := knownSites[site]; ok {
		return Target{Label: site, URL: u}, nil
	}
	if strings.HasPrefix(site, "http://") || strings.HasPrefix(site, "https://") {
		return Target{Label: LabelForURL(site), URL: site}, nil
	}
	return Target{}, Errorf(KindValidation, "resolve site", "unknown site %q (want one of %s or an http(s) URL)",
		site, strings.Join(Sites(), ", "))
}

// LabelForURL derives a short label from the second-level host label,
// e.g. "https://news.ycombinator.com" -> "ycombinator".
func LabelForURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "site"
	}
	parts := strings.Split(u.Hostname(), ".")
	if len(parts) < 2 {
		return parts[0]
	}
	return parts[len(parts)-2]
}
