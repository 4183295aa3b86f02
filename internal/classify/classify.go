// Package classify maps request paths to the content class that serves them.
package classify

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Class is the content class of an intercepted request.
type Class int

const (
	// Unhandled requests are left to the network untouched.
	Unhandled Class = iota
	Audio
	API
	Static
)

func (c Class) String() string {
	switch c {
	case Audio:
		return "audio"
	case API:
		return "api"
	case Static:
		return "static"
	default:
		return "unhandled"
	}
}

// SeekParam is the query parameter that marks an audio request as range-seeking.
const SeekParam = "seek"

// DefaultStaticResources lists the application shell files, relative to the path prefix.
var DefaultStaticResources = []string{
	"index.html",
	"global.css",
	"favicon.png",
	"bundle.css",
	"bundle.js",
	"app.webmanifest",
	"static/will_sleep_soon.mp3",
	"static/extended.mp3",
}

// Classifier assigns a Class to request paths under a fixed path prefix.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	prefix string
	audio  *regexp.Regexp
	api    *regexp.Regexp
	static map[string]struct{}
}

// New builds a Classifier for prefix (e.g. "/" or "/player/").
// staticResources are paths relative to the prefix.
func New(prefix string, staticResources []string) *Classifier {
	prefix = NormalizePrefix(prefix)
	quoted := regexp.QuoteMeta(prefix)

	static := make(map[string]struct{}, len(staticResources))
	for _, r := range staticResources {
		static[strings.TrimPrefix(r, "/")] = struct{}{}
	}

	return &Classifier{
		prefix: prefix,
		audio:  regexp.MustCompile(`^` + quoted + `\d+/audio/`),
		api:    regexp.MustCompile(`^` + quoted + `(\d+/)?(folder|collections|transcodings)(/|$)`),
		static: static,
	}
}

// NormalizePrefix returns prefix with exactly one leading and one trailing slash.
func NormalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return "/"
	}
	return "/" + prefix + "/"
}

// Prefix returns the normalized path prefix.
func (c *Classifier) Prefix() string { return c.prefix }

// Classify returns the class of u. Audio URLs carrying a non-empty seek
// parameter are Unhandled so the network handles range seeking itself.
func (c *Classifier) Classify(u *url.URL) Class {
	if u == nil {
		return Unhandled
	}
	path := u.Path
	switch {
	case c.audio.MatchString(path):
		if u.Query().Get(SeekParam) != "" {
			return Unhandled
		}
		return Audio
	case c.api.MatchString(path):
		return API
	case path == c.prefix:
		return Static
	case strings.HasPrefix(path, c.prefix):
		if _, ok := c.static[path[len(c.prefix):]]; ok {
			return Static
		}
	}
	return Unhandled
}

// ClassifyRequest classifies r. Only GET and HEAD requests are ever intercepted.
func (c *Classifier) ClassifyRequest(r *http.Request) Class {
	if r == nil || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		return Unhandled
	}
	return c.Classify(r.URL)
}
