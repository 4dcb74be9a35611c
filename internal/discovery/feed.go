package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

const maxDescriptionLen = 1000

// ClientConfig configures the HTTP client shared by the upstream strategies.
type ClientConfig struct {
	Timeout   time.Duration
	UserAgent string
}

func newRestyClient(cfg ClientConfig) *resty.Client {
	client := resty.New()
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	return client
}

// FeedStrategy discovers candidates from an RSS, Atom or JSON feed at the
// source's address.
type FeedStrategy struct {
	http *resty.Client
}

// NewFeedStrategy constructs a FeedStrategy.
func NewFeedStrategy(cfg ClientConfig) *FeedStrategy {
	return &FeedStrategy{http: newRestyClient(cfg)}
}

// Method implements Strategy.
func (*FeedStrategy) Method() pipeline.DiscoveryMethod { return pipeline.MethodFeed }

// Discover downloads and parses the feed.
func (f *FeedStrategy) Discover(ctx context.Context, source pipeline.Source) ([]pipeline.Candidate, error) {
	const op = "fetch feed"
	resp, err := f.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8").
		Get(source.Address)
	if err != nil {
		return nil, pipeline.ClassifyTransport(op, source.Address, err)
	}
	if err := pipeline.ClassifyHTTPStatus(op, source.Address, resp.StatusCode()); err != nil {
		return nil, err
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, pipeline.NewError(pipeline.KindPermanentContent, op, source.Address, errors.New("empty feed body"))
	}
	return parseFeed(ctx, string(body), source.Address)
}

func parseFeed(ctx context.Context, body, feedURL string) ([]pipeline.Candidate, error) {
	parsed, err := gofeed.NewParser().ParseString(body)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindPermanentContent, "parse feed", feedURL, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	out := make([]pipeline.Candidate, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		link := itemLink(item)
		if link == "" {
			continue
		}
		c := pipeline.Candidate{
			URL:         link,
			Title:       strings.TrimSpace(item.Title),
			Description: plainText(firstNonEmpty(item.Description, item.Content), maxDescriptionLen),
			PublishedAt: itemTime(item),
			Raw:         map[string]any{"feed_title": parsed.Title},
		}
		if item.GUID != "" {
			c.Raw["guid"] = item.GUID
		}
		if len(item.Categories) > 0 {
			c.Raw["categories"] = append([]string{}, item.Categories...)
		}
		out = append(out, c)
	}
	return out, nil
}

// itemLink prefers the explicit link and falls back to a URL-shaped GUID.
func itemLink(item *gofeed.Item) string {
	if link := strings.TrimSpace(item.Link); link != "" {
		return link
	}
	if strings.HasPrefix(item.GUID, "http") {
		return item.GUID
	}
	return ""
}

func itemTime(item *gofeed.Item) *time.Time {
	switch {
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		return &t
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		return &t
	default:
		return nil
	}
}

// plainText strips markup from an HTML fragment and truncates it to limit runes.
func plainText(fragment string, limit int) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return ""
	}
	text := fragment
	if strings.ContainsAny(fragment, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment)); err == nil {
			text = doc.Text()
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if runes := []rune(text); limit > 0 && len(runes) > limit {
		text = string(runes[:limit])
	}
	return text
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
