package crawler

import (
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalURL normalizes a URL for identity purposes: lower-case scheme and
// host, no fragment, no default port and no trailing slash. Unparseable input
// is returned trimmed.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// itemIdentity picks the stable identity of a feed entry: its GUID scoped to
// the feed, else its canonical link, else its canonical enclosure URL. An
// empty result means the caller falls back to the content hash.
func itemIdentity(feedURL, guid, link, enclosure string) string {
	if g := strings.TrimSpace(guid); g != "" {
		return "guid:" + feedURL + "\n" + norm.NFC.String(g)
	}
	if link != "" {
		return "url:" + CanonicalURL(link)
	}
	if enclosure != "" {
		return "url:" + CanonicalURL(enclosure)
	}
	return ""
}
