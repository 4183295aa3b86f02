package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"

	"offline-cache-agent/internal/apicache"
	"offline-cache-agent/internal/cache"
	"offline-cache-agent/internal/classify"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// CacheStatusHeader tells the page whether an intercepted answer came from the cache.
const CacheStatusHeader = "X-Agent-Cache"

// AudioSource answers intercepted audio requests.
type AudioSource interface {
	HandleRequest(ctx context.Context, r *http.Request) (*cache.Entry, bool, error)
}

// APISource answers intercepted API requests.
type APISource interface {
	Handle(ctx context.Context, r *http.Request) (*apicache.Result, error)
}

// StaticSource answers intercepted static requests.
type StaticSource interface {
	Handle(ctx context.Context, r *http.Request) (*cache.Entry, bool, error)
}

// Interceptor answers every request that is not for the agent itself.
type Interceptor struct {
	classifier *classify.Classifier
	audio      AudioSource
	api        APISource
	static     StaticSource
	proxy      http.Handler
	log        *log.Logger
}

// NewInterceptor returns an Interceptor. proxy handles Unhandled requests.
func NewInterceptor(c *classify.Classifier, audio AudioSource, api APISource, static StaticSource, proxy http.Handler, logger *log.Logger) *Interceptor {
	if logger == nil {
		logger = log.Default()
	}
	return &Interceptor{classifier: c, audio: audio, api: api, static: static, proxy: proxy, log: logger}
}

// NewUpstreamProxy forwards requests to upstream untouched.
func NewUpstreamProxy(upstream *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
	}
}

// Intercept is the NoRoute handler.
func (i *Interceptor) Intercept(c *gin.Context) {
	class := i.classifier.ClassifyRequest(c.Request)
	i.log.Debug("intercepted", "method", c.Request.Method, "path", c.Request.URL.Path, "class", class)

	ctx := c.Request.Context()
	switch class {
	case classify.Audio:
		entry, hit, err := i.audio.HandleRequest(ctx, c.Request)
		if err != nil {
			i.fail(c, err)
			return
		}
		i.serveAudio(c, entry, hit)
	case classify.API:
		res, err := i.api.Handle(ctx, c.Request)
		if err != nil {
			i.fail(c, err)
			return
		}
		writeEntry(c, res.Entry, res.Hit)
	case classify.Static:
		entry, hit, err := i.static.Handle(ctx, c.Request)
		if err != nil {
			i.fail(c, err)
			return
		}
		writeEntry(c, entry, hit)
	default:
		if i.proxy == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}
		i.proxy.ServeHTTP(c.Writer, c.Request)
	}
}

func (i *Interceptor) fail(c *gin.Context, err error) {
	i.log.Warn("interception failed", "path", c.Request.URL.Path, "err", err)
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}

// serveAudio answers from the whole cached file, honouring Range requests.
func (i *Interceptor) serveAudio(c *gin.Context, e *cache.Entry, hit bool) {
	if e.Status != http.StatusOK {
		writeEntry(c, e, hit)
		return
	}
	copyHeader(c.Writer.Header(), e.Header)
	c.Writer.Header().Set(CacheStatusHeader, cacheStatus(hit))
	http.ServeContent(c.Writer, c.Request, "", e.FetchedAt, bytes.NewReader(e.Body))
}

func writeEntry(c *gin.Context, e *cache.Entry, hit bool) {
	copyHeader(c.Writer.Header(), e.Header)
	c.Writer.Header().Set(CacheStatusHeader, cacheStatus(hit))
	c.Status(e.Status)
	if c.Request.Method == http.MethodHead {
		return
	}
	_, _ = c.Writer.Write(e.Body)
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		dst.Del(k)
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cacheStatus(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
