package discovery

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// CrawlMapConfig configures CrawlMapStrategy.
type CrawlMapConfig struct {
	ClientConfig
	Endpoint string
	APIKey   string
	MaxURLs  int
}

// CrawlMapStrategy asks a crawling service for a site's URL map and infers
// publication dates from URL path patterns.
type CrawlMapStrategy struct {
	http *resty.Client
	cfg  CrawlMapConfig
}

// NewCrawlMapStrategy constructs a CrawlMapStrategy.
func NewCrawlMapStrategy(cfg CrawlMapConfig) *CrawlMapStrategy {
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = 200
	}
	client := newRestyClient(cfg.ClientConfig)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &CrawlMapStrategy{http: client, cfg: cfg}
}

// Method implements Strategy.
func (*CrawlMapStrategy) Method() pipeline.DiscoveryMethod { return pipeline.MethodCrawlMap }

type mapRequest struct {
	URL               string `json:"url"`
	Limit             int    `json:"limit"`
	IncludeSubdomains bool   `json:"includeSubdomains"`
}

type mapResponse struct {
	Success bool     `json:"success"`
	Links   []string `json:"links"`
	Error   string   `json:"error"`
}

// Discover requests the map and keeps same-site article-like links. Links
// without a date in their path are kept undated.
func (c *CrawlMapStrategy) Discover(ctx context.Context, source pipeline.Source) ([]pipeline.Candidate, error) {
	const op = "crawl map"
	endpoint := strings.TrimRight(c.cfg.Endpoint, "/") + "/v1/map"
	if c.cfg.Endpoint == "" {
		return nil, pipeline.NewError(pipeline.KindPermanentContent, op, source.Address, errors.New("crawl map endpoint is not configured"))
	}

	var body mapResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(mapRequest{URL: source.Address, Limit: c.cfg.MaxURLs}).
		SetResult(&body).
		Post(endpoint)
	if err != nil {
		return nil, pipeline.ClassifyTransport(op, endpoint, err)
	}
	if err := pipeline.ClassifyHTTPStatus(op, endpoint, resp.StatusCode()); err != nil {
		return nil, err
	}
	if !body.Success {
		msg := body.Error
		if msg == "" {
			msg = "map request unsuccessful"
		}
		return nil, pipeline.NewError(pipeline.KindPermanentContent, op, source.Address, errors.New(msg))
	}

	site := siteHost(source.Address)
	out := make([]pipeline.Candidate, 0, len(body.Links))
	for _, link := range body.Links {
		if len(out) >= c.cfg.MaxURLs {
			break
		}
		u, err := url.Parse(strings.TrimSpace(link))
		if err != nil || u.Host == "" {
			continue
		}
		if site != "" && !sameSite(u.Hostname(), site) {
			continue
		}
		if !articleLike(u.Path) {
			continue
		}
		out = append(out, pipeline.Candidate{
			URL:         u.String(),
			Title:       titleFromPath(u.Path),
			PublishedAt: InferURLDate(u.Path),
			Raw:         map[string]any{"map_source": source.Address},
		})
	}
	return out, nil
}

var (
	// /2026/03/01/ or /2026-03-01 or /20260301/
	ymdPath = regexp.MustCompile(`(?:^|/)(20\d{2})[/-](0[1-9]|1[0-2])[/-](0[1-9]|[12]\d|3[01])(?:/|-|$)`)
	ymdFlat = regexp.MustCompile(`(?:^|/)(20\d{2})(0[1-9]|1[0-2])(0[1-9]|[12]\d|3[01])(?:/|-|$)`)
	ymPath  = regexp.MustCompile(`(?:^|/)(20\d{2})/(0[1-9]|1[0-2])(?:/|$)`)

	nonArticleSuffixes = []string{".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".pdf", ".xml", ".zip", ".mp4"}
	nonArticlePrefixes = []string{"/tag/", "/tags/", "/category/", "/author/", "/page/", "/search", "/login", "/wp-admin", "/feed"}
)

// InferURLDate extracts a publication date from a URL path such as
// /2026/03/01/slug, /news/2026-03-01-slug or /20260301/slug. A year/month
// pattern resolves to the first of the month. It returns nil when the path
// carries no date.
func InferURLDate(path string) *time.Time {
	for _, re := range []*regexp.Regexp{ymdPath, ymdFlat} {
		if m := re.FindStringSubmatch(path); m != nil {
			return dateFromParts(m[1], m[2], m[3])
		}
	}
	if m := ymPath.FindStringSubmatch(path); m != nil {
		return dateFromParts(m[1], m[2], "01")
	}
	return nil
}

func dateFromParts(y, m, d string) *time.Time {
	year, _ := strconv.Atoi(y)
	month, _ := strconv.Atoi(m)
	day, _ := strconv.Atoi(d)
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day {
		return nil
	}
	return &t
}

func articleLike(path string) bool {
	lower := strings.ToLower(path)
	if lower == "" || lower == "/" {
		return false
	}
	for _, s := range nonArticleSuffixes {
		if strings.HasSuffix(lower, s) {
			return false
		}
	}
	for _, p := range nonArticlePrefixes {
		if strings.HasPrefix(lower, p) {
			return false
		}
	}
	return true
}

func siteHost(address string) string {
	u, err := url.Parse(address)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func sameSite(host, site string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	return host == site || strings.HasSuffix(host, "."+site)
}

func titleFromPath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	slug := segments[len(segments)-1]
	if i := strings.LastIndexByte(slug, '.'); i > 0 {
		slug = slug[:i]
	}
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' })
	kept := words[:0]
	for _, w := range words {
		if _, err := strconv.Atoi(w); err != nil {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	kept[0] = strings.ToUpper(kept[0][:1]) + kept[0][1:]
	return strings.Join(kept, " ")
}
