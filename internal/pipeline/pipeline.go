// Package pipeline composes the gateway's request state machine:
// authenticate, route, check abuse/rate/quota, serve from cache or fetch
// upstream, then log.
package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/bankotij/Heliox-Proxy/internal/abuse"
	"github.com/bankotij/Heliox-Proxy/internal/cache"
	"github.com/bankotij/Heliox-Proxy/internal/cachekey"
	"github.com/bankotij/Heliox-Proxy/internal/configcache"
	"github.com/bankotij/Heliox-Proxy/internal/httpx"
	"github.com/bankotij/Heliox-Proxy/internal/model"
	"github.com/bankotij/Heliox-Proxy/internal/quota"
	"github.com/bankotij/Heliox-Proxy/internal/ratelimit"
	"github.com/bankotij/Heliox-Proxy/internal/requestlog"
	"github.com/bankotij/Heliox-Proxy/internal/upstream"
	"github.com/bankotij/Heliox-Proxy/internal/worker"
)

const tracerName = "heliox-proxy/pipeline"

// Stats are the process-wide counters adminapi reports on /metrics.
type Stats struct {
	RequestsTotal  int64
	CacheHits      int64
	CacheMisses    int64
	UpstreamErrors int64
}

func (s *Stats) IncRequests()    { atomic.AddInt64(&s.RequestsTotal, 1) }
func (s *Stats) IncCacheHit()    { atomic.AddInt64(&s.CacheHits, 1) }
func (s *Stats) IncCacheMiss()   { atomic.AddInt64(&s.CacheMisses, 1) }
func (s *Stats) IncUpstreamErr() { atomic.AddInt64(&s.UpstreamErrors, 1) }

func (s *Stats) RequestsTotalFn() func() int64 {
	return func() int64 { return atomic.LoadInt64(&s.RequestsTotal) }
}

func (s *Stats) CacheHitsFn() func() int64 {
	return func() int64 { return atomic.LoadInt64(&s.CacheHits) }
}

func (s *Stats) CacheMissFn() func() int64 {
	return func() int64 { return atomic.LoadInt64(&s.CacheMisses) }
}

func (s *Stats) UpstreamErrFn() func() int64 {
	return func() int64 { return atomic.LoadInt64(&s.UpstreamErrors) }
}

// Pipeline wires every gating component together and handles one inbound
// request end to end.
type Pipeline struct {
	Config    *configcache.Cache
	Abuse     *abuse.Detector
	RateLimit *ratelimit.Limiter
	Quota     *quota.Counter
	Cache     *cache.Cache
	Upstream  *upstream.Client
	Log       requestlog.Publisher
	Workers   *worker.Pool
	Stats     *Stats

	// NegativeTTL is the fallback TTL for a negative-cache entry when the
	// matched route's policy has no TTL configured; a policy with a
	// positive ttl_seconds always wins.
	NegativeTTL time.Duration
}

// ServeHTTP is the single entry point for every gateway request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(r.Context(), "gateway.request")
	defer span.End()

	start := time.Now()
	requestID := uuid.NewString()
	p.Stats.IncRequests()

	entry := model.RequestLog{
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.Path,
		At:        start,
	}
	defer func() {
		entry.LatencyMs = time.Since(start).Milliseconds()
		p.Log.Publish(entry)
	}()

	w.Header().Set("X-Request-Id", requestID)

	apiKey, gwErr := p.authenticate(ctx, r)
	if gwErr != nil {
		entry.ErrorType = string(gwErr.Kind)
		writeError(w, requestID, gwErr)
		return
	}
	entry.APIKeyID = apiKey.ID

	snapshot := p.Config.Get()
	route, pathParams, ok := snapshot.Routes.Match(r.Method, r.URL.Path)
	if !ok {
		gwErr := model.NewGatewayError(model.ErrNoRoute, "no route matches "+r.Method+" "+r.URL.Path)
		entry.ErrorType = string(gwErr.Kind)
		writeError(w, requestID, gwErr)
		return
	}
	entry.RouteID = route.ID
	w.Header().Set("X-Route", route.Name)

	if blocked, retryAfter, err := p.Abuse.IsBlocked(ctx, apiKey.ID); err == nil && blocked {
		gwErr := &model.GatewayError{Kind: model.ErrAbuseBlocked, RetryAfterSeconds: retryAfter}
		entry.ErrorType = string(gwErr.Kind)
		writeError(w, requestID, gwErr)
		return
	}

	decision, err := p.RateLimit.CheckTokenBucket(ctx, apiKey.ID, route.ID, apiKey.RateLimitRPS, apiKey.RateLimitBurst)
	if err == nil && !decision.Allow {
		gwErr := &model.GatewayError{Kind: model.ErrRateLimited, RetryAfterSeconds: decision.RetryAfterSeconds}
		entry.ErrorType = string(gwErr.Kind)
		writeError(w, requestID, gwErr)
		return
	}

	quotaResult, err := p.Quota.Check(ctx, apiKey.ID, apiKey.QuotaDaily, apiKey.QuotaMonthly)
	if err == nil && quotaResult.Exceeded {
		gwErr := &model.GatewayError{Kind: model.ErrQuotaExceeded, RetryAfterSeconds: quotaResult.RetrySeconds}
		entry.ErrorType = string(gwErr.Kind)
		writeError(w, requestID, gwErr)
		return
	}

	if rec, err := p.Abuse.Tick(ctx, apiKey.ID, start); err == nil && rec != nil {
		gwErr := &model.GatewayError{Kind: model.ErrAbuseBlocked, RetryAfterSeconds: int(rec.BlockedUntil.Sub(start).Seconds())}
		entry.ErrorType = string(gwErr.Kind)
		writeError(w, requestID, gwErr)
		return
	}

	upstreamResp, cacheStatus, ageSeconds, gwErr := p.serve(ctx, route, pathParams, r, snapshot, apiKey)
	if gwErr != nil {
		entry.ErrorType = string(gwErr.Kind)
		p.Stats.IncUpstreamErr()
		_, _ = p.Abuse.TickError(ctx, apiKey.ID, true, time.Now())
		writeError(w, requestID, gwErr)
		return
	}
	_, _ = p.Abuse.TickError(ctx, apiKey.ID, upstreamResp.Status >= 500, time.Now())

	entry.Status = upstreamResp.Status
	entry.CacheStatus = cacheStatus
	writeUpstream(w, upstreamResp, cacheStatus, ageSeconds)
}

// authenticate extracts the opaque key and resolves it via the config
// cache, rejecting disabled/revoked keys and inactive tenants.
func (p *Pipeline) authenticate(ctx context.Context, r *http.Request) (model.APIKey, *model.GatewayError) {
	secret := r.Header.Get("X-API-Key")
	if secret == "" {
		return model.APIKey{}, model.NewGatewayError(model.ErrMissingAPIKey, "missing X-API-Key header")
	}

	key, err := p.Config.ResolveAPIKey(ctx, secret)
	if err != nil || !key.Active() {
		return model.APIKey{}, model.NewGatewayError(model.ErrInvalidAPIKey, "unknown or inactive API key")
	}
	return key, nil
}

// serve runs the cache path for cacheable routes/methods and the direct
// upstream path otherwise.
func (p *Pipeline) serve(ctx context.Context, route model.Route, pathParams map[string]string, r *http.Request, snapshot *configcache.Snapshot, apiKey model.APIKey) (upstream.Response, model.CacheStatusHeader, int, *model.GatewayError) {
	policy, hasPolicy := snapshot.Policies[route.PolicyID]
	cacheable := route.CachingEnabled() && hasPolicy && !policy.CacheNoStore && isCacheableMethod(policy, r.Method)

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	forwardPath := remainingPath(pathParams)

	// Everything the fetch needs is captured up front: a revalidation job
	// runs on the worker pool after this handler has returned, so it must
	// not touch the inbound *http.Request anymore.
	method := r.Method
	rawQuery := r.URL.RawQuery
	body, _ := readBody(r)
	header := r.Header.Clone()
	upstream.ApplyForwardingHeaders(header, r.RemoteAddr, scheme, r.Host)

	fetch := func(ctx context.Context) (upstream.Response, *model.GatewayError) {
		var rd io.Reader
		if len(body) > 0 {
			rd = bytes.NewReader(body)
		}
		resp, err := p.Upstream.Fetch(ctx, route, method, forwardPath, rawQuery, header, rd)
		if err != nil {
			if gwErr, ok := err.(*model.GatewayError); ok {
				return upstream.Response{}, gwErr
			}
			return upstream.Response{}, model.NewGatewayError(model.ErrUpstreamError, err.Error())
		}
		return resp, nil
	}

	if !cacheable {
		resp, gwErr := fetch(ctx)
		if gwErr != nil {
			return upstream.Response{}, model.CacheHeaderBypass, 0, gwErr
		}
		return resp, model.CacheHeaderBypass, 0, nil
	}

	key := cachekey.Build(r.Method, apiKey.TenantID, route.Name, r.URL.Path, r.URL.RawQuery, func(name string) (string, bool) {
		v := r.Header.Get(name)
		return v, v != ""
	}, policy.VaryHeaders)

	if negEntry, hinted, _ := p.Cache.NegativeHint(ctx, key); hinted {
		return upstream.Response{Status: negEntry.Status, Headers: negEntry.Headers, Body: negEntry.Body}, model.CacheHeaderHit, 0, nil
	}

	var fetchErr *model.GatewayError
	cacheFetch := func(ctx context.Context) (model.CacheEntry, error) {
		resp, gwErr := fetch(ctx)
		if gwErr != nil {
			fetchErr = gwErr
			return model.CacheEntry{}, gwErr
		}
		entry := model.CacheEntry{Status: resp.Status, Headers: resp.Headers, Body: resp.Body, Origin: route.UpstreamBaseURL}
		if isNegativeCacheStatus(resp.Status) {
			_ = p.Cache.MarkNegative(ctx, key, entry, negativeTTL(policy, p.NegativeTTL))
			fetchErr = nil
			return entry, cache.ErrSkipCache
		}
		if !isCacheableStatus(policy, resp.Status) || !storeEligible(policy, resp) {
			fetchErr = nil
			return entry, cache.ErrSkipCache
		}
		return entry, nil
	}

	// The revalidation job re-fetches and stores on success, swallowing
	// errors so the stale entry stays servable until its stale_until. It
	// deliberately does not share cacheFetch: that closure writes fetchErr,
	// which this handler may still be reading.
	revalidate := func(ctx context.Context) {
		p.Workers.Submit(func(ctx context.Context) {
			resp, gwErr := fetch(ctx)
			if gwErr != nil {
				return
			}
			entry := model.CacheEntry{Status: resp.Status, Headers: resp.Headers, Body: resp.Body, Origin: route.UpstreamBaseURL}
			if isNegativeCacheStatus(resp.Status) {
				_ = p.Cache.MarkNegative(ctx, key, entry, negativeTTL(policy, p.NegativeTTL))
				return
			}
			if !isCacheableStatus(policy, resp.Status) || !storeEligible(policy, resp) {
				return
			}
			_ = p.Cache.Put(ctx, key, entry, policy)
		})
	}

	entry, outcome, err := p.Cache.GetOrFetch(ctx, key, policy, cacheFetch, revalidate)
	if err == cache.ErrSkipCache {
		return upstream.Response{Status: entry.Status, Headers: entry.Headers, Body: entry.Body}, model.CacheHeaderMiss, 0, nil
	}
	if err != nil {
		if fetchErr != nil {
			return upstream.Response{}, model.CacheHeaderMiss, 0, fetchErr
		}
		return upstream.Response{}, model.CacheHeaderMiss, 0, model.NewGatewayError(model.ErrInternal, err.Error())
	}

	ageSeconds := int(time.Since(entry.StoredAt).Seconds())
	if ageSeconds < 0 {
		ageSeconds = 0
	}

	switch outcome {
	case model.CacheHit:
		p.Stats.IncCacheHit()
		return upstream.Response{Status: entry.Status, Headers: entry.Headers, Body: entry.Body}, model.CacheHeaderHit, ageSeconds, nil
	case model.CacheStale:
		p.Stats.IncCacheHit()
		return upstream.Response{Status: entry.Status, Headers: entry.Headers, Body: entry.Body}, model.CacheHeaderStale, ageSeconds, nil
	default:
		p.Stats.IncCacheMiss()
		return upstream.Response{Status: entry.Status, Headers: entry.Headers, Body: entry.Body}, model.CacheHeaderMiss, 0, nil
	}
}

// negativeTTL resolves the TTL for a negative-cache entry to the route's
// own policy.ttl_seconds, falling back to the pipeline-wide default only
// when the policy specifies no TTL at all.
func negativeTTL(policy model.CachePolicy, fallback time.Duration) time.Duration {
	if policy.TTLSeconds > 0 {
		return time.Duration(policy.TTLSeconds) * time.Second
	}
	return fallback
}

// remainingPath derives the path forwarded upstream from the matched
// route's captured "rest" parameter, so a route pattern like "/g/demo/*"
// strips its own "/g/demo" prefix before the request reaches the origin.
// Routes whose pattern has no trailing wildcard consume the whole inbound
// path, so nothing remains to forward beyond the root.
func remainingPath(pathParams map[string]string) string {
	if rest, ok := pathParams["rest"]; ok {
		if rest == "" {
			return "/"
		}
		return "/" + rest
	}
	return "/"
}

func isCacheableMethod(policy model.CachePolicy, method string) bool {
	methods := policy.CacheableMethods
	if methods == nil {
		methods = model.DefaultCacheableMethods()
	}
	_, ok := methods[strings.ToUpper(method)]
	return ok
}

// isNegativeCacheStatus reports whether status is a confirmed absence
// worth remembering, rather than a merely non-cacheable,
// possibly-transient status such as a 500/503. Only 404 and 410 qualify.
func isNegativeCacheStatus(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
}

func isCacheableStatus(policy model.CachePolicy, status int) bool {
	if len(policy.CacheableStatuses) == 0 {
		return status == http.StatusOK
	}
	_, ok := policy.CacheableStatuses[status]
	return ok
}

// storeEligible applies the response-side storage rules beyond the status
// check: the body must fit the policy's max_body_bytes, and the upstream
// must not have forbidden storage with Cache-Control: no-store.
func storeEligible(policy model.CachePolicy, resp upstream.Response) bool {
	if policy.MaxBodyBytes > 0 && int64(len(resp.Body)) > policy.MaxBodyBytes {
		return false
	}
	for _, kv := range resp.Headers {
		if strings.EqualFold(kv[0], "Cache-Control") && strings.Contains(strings.ToLower(kv[1]), "no-store") {
			return false
		}
	}
	return true
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeUpstream(w http.ResponseWriter, resp upstream.Response, cacheStatus model.CacheStatusHeader, ageSeconds int) {
	for _, kv := range resp.Headers {
		w.Header().Add(kv[0], kv[1])
	}
	w.Header().Set("X-Cache", string(cacheStatus))
	if cacheStatus == model.CacheHeaderHit || cacheStatus == model.CacheHeaderStale {
		w.Header().Set("Age", strconv.Itoa(ageSeconds))
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeError(w http.ResponseWriter, requestID string, gwErr *model.GatewayError) {
	if gwErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(gwErr.RetryAfterSeconds))
	}
	httpx.WriteJSON(w, gwErr.Kind.HTTPStatus(), httpx.NewError(string(gwErr.Kind), requestID, gwErr.Detail))
}
