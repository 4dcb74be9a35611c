package discovery

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
	"github.com/JakeFAU/discovery-pipeline/internal/quota"
)

// Pacer blocks until the next upstream request may be sent.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// SearchConfig configures SearchStrategy.
type SearchConfig struct {
	ClientConfig
	Endpoint       string
	APIKey         string
	EngineID       string
	MaxPages       int
	ResultsPerPage int
}

// SearchStrategy discovers candidates by running the source's address as a
// query against a custom-search style JSON API. Every page request consumes
// one unit of the daily quota.
type SearchStrategy struct {
	http  *resty.Client
	cfg   SearchConfig
	quota quota.Counter
	pacer Pacer
	clock pipeline.Clock
}

// NewSearchStrategy constructs a SearchStrategy. pacer may be nil.
func NewSearchStrategy(cfg SearchConfig, counter quota.Counter, pacer Pacer, clock pipeline.Clock) *SearchStrategy {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if cfg.ResultsPerPage <= 0 || cfg.ResultsPerPage > 10 {
		cfg.ResultsPerPage = 10
	}
	return &SearchStrategy{
		http:  newRestyClient(cfg.ClientConfig),
		cfg:   cfg,
		quota: counter,
		pacer: pacer,
		clock: clock,
	}
}

// Method implements Strategy.
func (*SearchStrategy) Method() pipeline.DiscoveryMethod { return pipeline.MethodSearchEngine }

type searchResponse struct {
	Items []struct {
		Link    string `json:"link"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		Pagemap struct {
			Metatags []map[string]string `json:"metatags"`
		} `json:"pagemap"`
	} `json:"items"`
	Queries struct {
		NextPage []struct {
			StartIndex int `json:"startIndex"`
		} `json:"nextPage"`
	} `json:"queries"`
}

// Discover pages through results until MaxPages, an empty page, or an error.
// On quota exhaustion it returns what it gathered alongside the quota error.
func (s *SearchStrategy) Discover(ctx context.Context, source pipeline.Source) ([]pipeline.Candidate, error) {
	const op = "search"
	query := strings.TrimSpace(source.Address)
	if query == "" {
		return nil, pipeline.NewError(pipeline.KindPermanentContent, op, "", errors.New("source has no search query"))
	}

	var out []pipeline.Candidate
	start := 1
	for page := 0; page < s.cfg.MaxPages; page++ {
		if _, err := s.quota.Take(ctx, s.clock.Now()); err != nil {
			return out, err
		}
		if s.pacer != nil {
			if err := s.pacer.Wait(ctx, s.cfg.Endpoint); err != nil {
				return out, err
			}
		}

		var body searchResponse
		resp, err := s.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"key":   s.cfg.APIKey,
				"cx":    s.cfg.EngineID,
				"q":     query,
				"num":   strconv.Itoa(s.cfg.ResultsPerPage),
				"start": strconv.Itoa(start),
			}).
			SetResult(&body).
			Get(s.cfg.Endpoint)
		if err != nil {
			return out, pipeline.ClassifyTransport(op, s.cfg.Endpoint, err)
		}
		if err := pipeline.ClassifyQuotaStatus(op, s.cfg.Endpoint, resp.StatusCode()); err != nil {
			return out, err
		}

		for _, item := range body.Items {
			if item.Link == "" {
				continue
			}
			out = append(out, pipeline.Candidate{
				URL:         item.Link,
				Title:       strings.TrimSpace(item.Title),
				Description: plainText(item.Snippet, maxDescriptionLen),
				PublishedAt: metatagTime(item.Pagemap.Metatags),
				Raw:         map[string]any{"search_query": query, "search_page": page + 1},
			})
		}
		if len(body.Items) < s.cfg.ResultsPerPage || len(body.Queries.NextPage) == 0 {
			break
		}
		start = body.Queries.NextPage[0].StartIndex
	}
	return out, nil
}

var publishedMetatags = []string{"article:published_time", "og:published_time", "datepublished", "date", "pubdate"}

func metatagTime(tags []map[string]string) *time.Time {
	for _, tag := range tags {
		for _, key := range publishedMetatags {
			raw, ok := tag[key]
			if !ok {
				continue
			}
			for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z0700", time.DateOnly} {
				if t, err := time.Parse(layout, raw); err == nil {
					t = t.UTC()
					return &t
				}
			}
		}
	}
	return nil
}
