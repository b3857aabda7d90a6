package voc

import (
	"sort"
	"strings"
	"unicode"

	"github.com/ternarybob/audiens/internal/interfaces"
)

// topicNormalization maps surface n-grams to stable topic keys so the same
// concept aggregates under one row regardless of phrasing.
var topicNormalization = map[string]string{
	"battery":          "battery_life",
	"battery life":     "battery_life",
	"batteries":        "battery_life",
	"charge":           "battery_life",
	"charging":         "battery_life",
	"quality":          "build_quality",
	"build quality":    "build_quality",
	"well made":        "build_quality",
	"cheap":            "build_quality",
	"sturdy":           "build_quality",
	"durable":          "build_quality",
	"broke":            "build_quality",
	"broken":           "build_quality",
	"price":            "value_for_money",
	"value":            "value_for_money",
	"worth":            "value_for_money",
	"expensive":        "value_for_money",
	"money":            "value_for_money",
	"size":             "size_fit",
	"fit":              "size_fit",
	"fits":             "size_fit",
	"small":            "size_fit",
	"large":            "size_fit",
	"big":              "size_fit",
	"color":            "appearance",
	"colors":           "appearance",
	"look":             "appearance",
	"looks":            "appearance",
	"design":           "appearance",
	"style":            "appearance",
	"easy":             "ease_of_use",
	"easy to use":      "ease_of_use",
	"simple":           "ease_of_use",
	"instructions":     "ease_of_use",
	"setup":            "ease_of_use",
	"comfortable":      "comfort",
	"comfort":          "comfort",
	"soft":             "comfort",
	"shipping":         "shipping",
	"delivery":         "shipping",
	"arrived":          "shipping",
	"package":          "shipping",
	"packaging":        "shipping",
	"smell":            "smell",
	"odor":             "smell",
	"noise":            "noise",
	"loud":             "noise",
	"quiet":            "noise",
	"customer service": "customer_service",
	"service":          "customer_service",
	"refund":           "customer_service",
	"return":           "customer_service",
	"returned":         "customer_service",
	"works":            "performance",
	"working":          "performance",
	"performance":      "performance",
	"fast":             "performance",
	"slow":             "performance",
	"stopped working":  "performance",
}

// stopwords excluded from n-gram extraction.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"it": true, "its": true, "this": true, "that": true, "these": true,
	"i": true, "my": true, "me": true, "we": true, "you": true, "your": true,
	"he": true, "she": true, "they": true, "them": true, "his": true, "her": true,
	"of": true, "in": true, "on": true, "to": true, "for": true, "with": true,
	"as": true, "at": true, "by": true, "from": true, "so": true, "if": true,
	"not": true, "no": true, "very": true, "just": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true, "would": true,
	"can": true, "could": true, "get": true, "got": true, "one": true, "all": true,
	"am": true, "im": true, "ive": true, "dont": true, "didnt": true, "too": true,
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping
// stopwords and single characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// topicStats aggregates mentions of one normalized topic.
type topicStats struct {
	Topic    string
	Mentions []*interfaces.ReviewRow
}

// Count returns the number of distinct reviews mentioning the topic.
func (s *topicStats) Count() int { return len(s.Mentions) }

// AvgStars is the mean star rating across mentioning reviews.
func (s *topicStats) AvgStars() float64 {
	if len(s.Mentions) == 0 {
		return 0
	}
	var sum float64
	for _, r := range s.Mentions {
		sum += r.Stars
	}
	return sum / float64(len(s.Mentions))
}

// TopSnippets returns up to n snippets from the most helpful mentions.
func (s *topicStats) TopSnippets(n int) []string {
	sorted := append([]*interfaces.ReviewRow(nil), s.Mentions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].HelpfulVotes > sorted[j].HelpfulVotes
	})
	var out []string
	for _, r := range sorted {
		if len(out) == n {
			break
		}
		out = append(out, snippet(r))
	}
	return out
}

// extractTopics maps each review to the set of normalized topics its text
// mentions, scanning unigrams and bigrams against the normalization table.
func extractTopics(reviews []*interfaces.ReviewRow) map[string]*topicStats {
	topics := make(map[string]*topicStats)
	for _, review := range reviews {
		tokens := tokenize(review.Title + " " + review.Body)
		seen := make(map[string]bool)

		consider := func(gram string) {
			topic, ok := topicNormalization[gram]
			if !ok || seen[topic] {
				return
			}
			seen[topic] = true
			stats, ok := topics[topic]
			if !ok {
				stats = &topicStats{Topic: topic}
				topics[topic] = stats
			}
			stats.Mentions = append(stats.Mentions, review)
		}

		for i, tok := range tokens {
			consider(tok)
			if i+1 < len(tokens) {
				consider(tok + " " + tokens[i+1])
			}
		}
	}
	return topics
}

// sortedTopics orders topics by mention count descending, then key.
func sortedTopics(topics map[string]*topicStats) []*topicStats {
	out := make([]*topicStats, 0, len(topics))
	for _, s := range topics {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count() != out[j].Count() {
			return out[i].Count() > out[j].Count()
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}

const maxSnippetLen = 200

// snippet returns a short auditable excerpt of a review.
func snippet(r *interfaces.ReviewRow) string {
	text := strings.TrimSpace(r.Body)
	if text == "" {
		text = strings.TrimSpace(r.Title)
	}
	if len(text) > maxSnippetLen {
		text = text[:maxSnippetLen] + "..."
	}
	return text
}

// containsAny reports whether the token set holds any dictionary word and
// returns the first match.
func containsAny(tokens []string, dict map[string]bool) (string, bool) {
	for _, tok := range tokens {
		if dict[tok] {
			return tok, true
		}
	}
	return "", false
}
