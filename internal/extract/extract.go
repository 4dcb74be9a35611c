// Package extract derives lightweight metadata from queue entries. Extract is
// a pure function of one entry and the current time.
package extract

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

const (
	maxEntities = 10
	breakingAge = 2 * time.Hour
	recentAge   = 24 * time.Hour
)

// Content types.
const (
	TypeNews         = "news"
	TypePressRelease = "press_release"
	TypeResearch     = "research"
	TypeOpinion      = "opinion"
	TypeInterview    = "interview"
	TypeDeal         = "deal"
	TypeEvent        = "event"
)

// typeRules are checked in order; the first rule with a matching keyword wins.
var typeRules = []struct {
	kind     string
	keywords []string
}{
	{TypePressRelease, []string{"press release", "announces", "announced today", "is pleased to"}},
	{TypeDeal, []string{"acquire", "acquisition", "merger", "funding round", "raises $", "investment in"}},
	{TypeResearch, []string{"study", "survey", "report finds", "research", "whitepaper", "analysis of"}},
	{TypeInterview, []string{"interview", "q&a", "sat down with"}},
	{TypeOpinion, []string{"opinion", "editorial", "commentary", "op-ed"}},
	{TypeEvent, []string{"conference", "webinar", "summit", "keynote", "expo"}},
}

var topicKeywords = map[string][]string{
	"ai":            {"artificial intelligence", " ai ", "machine learning", "llm", "generative"},
	"regulation":    {"regulation", "regulator", "compliance", "legislation", "policy"},
	"funding":       {"funding", "investment", "venture", "raises", "ipo"},
	"mergers":       {"merger", "acquisition", "acquire"},
	"cybersecurity": {"breach", "ransomware", "cyber", "vulnerability"},
	"sustainability": {
		"sustainab", "climate", "emissions", "net zero", "renewable",
	},
	"earnings": {"earnings", "revenue", "quarterly results", "profit"},
	"leadership": {
		"ceo", "appointed", "chief executive", "steps down", "board of directors",
	},
	"product": {"launch", "unveil", "new product", "release of"},
	"supply-chain": {
		"supply chain", "logistics", "shortage", "tariff",
	},
}

var industryKeywords = map[string][]string{
	"energy":        {"energy", "oil", "gas", "solar", "wind", "grid", "utility"},
	"healthcare":    {"health", "hospital", "pharma", "biotech", "clinical"},
	"finance":       {"bank", "finance", "fintech", "lending", "insurance"},
	"technology":    {"software", "cloud", "semiconductor", "saas", "tech"},
	"retail":        {"retail", "ecommerce", "e-commerce", "consumer"},
	"manufacturing": {"manufactur", "factory", "industrial"},
	"automotive":    {"automotive", "electric vehicle", " ev ", "carmaker"},
	"real-estate":   {"real estate", "property", "housing", "mortgage"},
}

// entityPattern matches runs of capitalized words, including acronyms.
var entityPattern = regexp.MustCompile(`\b(?:[A-Z][a-zA-Z0-9&'-]*|[A-Z]{2,})(?:[ \t]+(?:of[ \t]+|and[ \t]+|&[ \t]+)?(?:[A-Z][a-zA-Z0-9&'-]*|[A-Z]{2,}))+\b|\b[A-Z]{2,6}\b`)

var entityStopwords = map[string]struct{}{
	"The": {}, "A": {}, "An": {}, "This": {}, "That": {}, "In": {}, "On": {}, "For": {},
	"And": {}, "But": {}, "It": {}, "We": {}, "Our": {}, "Its": {}, "I": {}, "CEO": {},
}

// Extract returns metadata for e. The richest available input is used: full
// content, then description, then title.
func Extract(e pipeline.QueueEntry, now time.Time) pipeline.ExtractedMetadata {
	text, confidence := selectInput(e)
	lower := " " + strings.ToLower(text) + " "

	md := pipeline.ExtractedMetadata{
		Entities:    entities(text),
		Type:        classify(lower),
		Topics:      matchKeywords(lower, topicKeywords),
		Industries:  industries(e, lower),
		Temporal:    temporal(e.PublishedAt, now),
		Confidence:  confidence,
		ExtractedAt: now,
	}
	return md
}

func selectInput(e pipeline.QueueEntry) (string, pipeline.Confidence) {
	switch {
	case e.FullContent != nil && strings.TrimSpace(*e.FullContent) != "":
		return e.Title + "\n" + *e.FullContent, pipeline.ConfidenceHigh
	case strings.TrimSpace(e.Description) != "":
		return e.Title + "\n" + e.Description, pipeline.ConfidenceMedium
	default:
		return e.Title, pipeline.ConfidenceLow
	}
}

func entities(text string) []string {
	counts := make(map[string]int)
	first := make(map[string]int)
	for i, m := range entityPattern.FindAllString(text, -1) {
		m = strings.TrimRight(strings.TrimSpace(m), "'-")
		if _, stop := entityStopwords[m]; stop || len(m) < 2 {
			continue
		}
		if fields := strings.Fields(m); len(fields) > 1 {
			if _, stop := entityStopwords[fields[0]]; stop {
				m = strings.Join(fields[1:], " ")
			}
		}
		if _, seen := first[m]; !seen {
			first[m] = i
		}
		counts[m]++
	}
	out := make([]string, 0, len(counts))
	for m := range counts {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return first[out[i]] < first[out[j]]
	})
	if len(out) > maxEntities {
		out = out[:maxEntities]
	}
	return out
}

func classify(lower string) string {
	for _, rule := range typeRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.kind
			}
		}
	}
	return TypeNews
}

func matchKeywords(lower string, dictionary map[string][]string) []string {
	out := make([]string, 0)
	for label, keywords := range dictionary {
		for _, kw := range keywords {
			if containsWord(lower, kw) {
				out = append(out, label)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// containsWord matches kw at a word start so "tech" does not match "biotech".
func containsWord(lower, kw string) bool {
	for offset := 0; ; {
		i := strings.Index(lower[offset:], kw)
		if i < 0 {
			return false
		}
		i += offset
		if i == 0 || !isWordRune(rune(lower[i-1])) || !isWordRune(rune(kw[0])) {
			return true
		}
		offset = i + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func industries(e pipeline.QueueEntry, lower string) []string {
	set := make(map[string]struct{})
	switch v := e.RawMetadata["industries"].(type) {
	case []string:
		for _, s := range v {
			set[strings.ToLower(s)] = struct{}{}
		}
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				set[strings.ToLower(str)] = struct{}{}
			}
		}
	}
	for _, label := range matchKeywords(lower, industryKeywords) {
		set[label] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		if s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func temporal(published *time.Time, now time.Time) pipeline.Temporal {
	if published == nil {
		return pipeline.Temporal{}
	}
	elapsed := max(now.Sub(*published), 0)
	age := math.Round(elapsed.Hours()*10) / 10
	return pipeline.Temporal{
		AgeHours:  &age,
		Breaking:  elapsed <= breakingAge,
		Within24h: elapsed <= recentAge,
	}
}
