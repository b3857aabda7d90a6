package voc

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

const moduleSchemaVersion = "v1"

// Dataset bundles everything the analyzers read for one job.
type Dataset struct {
	Params   *models.VocParams
	SiteCode string
	Reviews  []*interfaces.ReviewRow
	Listings []*interfaces.ListingRow
	Serp     []*interfaces.SerpRow
}

// ModuleResult is one analyzer's output: a JSON-serializable payload plus
// the evidence rows supporting it. JobID on the evidence is filled by the
// pipeline.
type ModuleResult struct {
	Payload  map[string]interface{}
	Evidence []*models.VocEvidence
}

// Analyzer computes one module's result from the dataset. Analyzers are
// pure: same dataset, same output.
type Analyzer func(ds *Dataset) *ModuleResult

// Analyzers maps module codes to their implementations. Iteration follows
// models.ModuleOrder, not this map.
var Analyzers = map[string]Analyzer{
	models.ModuleReviewOverview:      analyzeOverview,
	models.ModuleCustomerSentiment:   analyzeSentiment,
	models.ModuleUsageScenario:       analyzeUsageScenario,
	models.ModuleBuyersMotivation:    analyzeBuyersMotivation,
	models.ModuleCustomerExpectation: analyzeExpectations,
	models.ModuleRatingOptimization:  analyzeRatingOptimization,
	models.ModuleProductDetails:      analyzeProductDetails,
	models.ModuleKeywordDetails:      analyzeKeywordDetails,
}

// --- review.overview -----------------------------------------------------

func analyzeOverview(ds *Dataset) *ModuleResult {
	reviews := ds.Reviews
	distribution := map[string]int{"1": 0, "2": 0, "3": 0, "4": 0, "5": 0}
	var starSum float64
	trend := make(map[string]int)

	for _, r := range reviews {
		starSum += r.Stars
		bucket := int(r.Stars + 0.5)
		if bucket < 1 {
			bucket = 1
		}
		if bucket > 5 {
			bucket = 5
		}
		distribution[fmt.Sprintf("%d", bucket)]++
		trend[r.ReviewDate.UTC().Format("2006-01-02")]++
	}

	avg := 0.0
	if len(reviews) > 0 {
		avg = starSum / float64(len(reviews))
	}

	positive := topHelpful(reviews, func(r *interfaces.ReviewRow) bool { return r.Stars >= 4 }, 3)
	negative := topHelpful(reviews, func(r *interfaces.ReviewRow) bool { return r.Stars <= 2 }, 3)

	result := &ModuleResult{
		Payload: map[string]interface{}{
			"review_count":      len(reviews),
			"avg_stars":         round2(avg),
			"star_distribution": distribution,
			"daily_trend":       trend,
			"top_positive":      sampleSummaries(positive),
			"top_negative":      sampleSummaries(negative),
		},
	}
	for _, r := range append(positive, negative...) {
		result.Evidence = append(result.Evidence, reviewEvidence(models.ModuleReviewOverview, r, "sample"))
	}
	return result
}

func topHelpful(reviews []*interfaces.ReviewRow, keep func(*interfaces.ReviewRow) bool, n int) []*interfaces.ReviewRow {
	var subset []*interfaces.ReviewRow
	for _, r := range reviews {
		if keep(r) {
			subset = append(subset, r)
		}
	}
	sort.SliceStable(subset, func(i, j int) bool {
		return subset[i].HelpfulVotes > subset[j].HelpfulVotes
	})
	if len(subset) > n {
		subset = subset[:n]
	}
	return subset
}

func sampleSummaries(reviews []*interfaces.ReviewRow) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, map[string]interface{}{
			"review_id":     r.ReviewID,
			"asin":          r.Asin,
			"stars":         r.Stars,
			"helpful_votes": r.HelpfulVotes,
			"snippet":       snippet(r),
		})
	}
	return out
}

// --- review.customer_sentiment -------------------------------------------

func analyzeSentiment(ds *Dataset) *ModuleResult {
	var positive, negative []*interfaces.ReviewRow
	for _, r := range ds.Reviews {
		switch {
		case r.Stars >= 4:
			positive = append(positive, r)
		case r.Stars <= 2:
			negative = append(negative, r)
		}
	}

	total := len(ds.Reviews)
	result := &ModuleResult{
		Payload: map[string]interface{}{
			"positive": sentimentRows(positive, total),
			"negative": sentimentRows(negative, total),
		},
	}
	for _, stats := range sortedTopics(extractTopics(negative)) {
		for _, r := range stats.Mentions {
			result.Evidence = append(result.Evidence, reviewEvidence(models.ModuleCustomerSentiment, r, stats.Topic))
			break // one evidence row per topic keeps the table auditable
		}
	}
	return result
}

func sentimentRows(subset []*interfaces.ReviewRow, total int) []map[string]interface{} {
	var out []map[string]interface{}
	for _, stats := range sortedTopics(extractTopics(subset)) {
		pct := 0.0
		if total > 0 {
			pct = float64(stats.Count()) / float64(total) * 100
		}
		out = append(out, map[string]interface{}{
			"topic":         stats.Topic,
			"mention_count": stats.Count(),
			"percentage":    round2(pct),
			"avg_rating":    round2(stats.AvgStars()),
			"reason":        strings.Join(stats.TopSnippets(2), " / "),
		})
	}
	return out
}

// --- dictionary modules --------------------------------------------------

var usageScenarioDict = map[string]bool{
	"travel": true, "trip": true, "vacation": true, "home": true, "house": true,
	"office": true, "work": true, "desk": true, "gym": true, "workout": true,
	"outdoor": true, "outdoors": true, "camping": true, "hiking": true,
	"kitchen": true, "bathroom": true, "bedroom": true, "car": true,
	"gift": true, "birthday": true, "christmas": true, "school": true,
	"party": true, "wedding": true, "beach": true, "garden": true,
}

var buyersMotivationDict = map[string]bool{
	"price": true, "cheap": true, "deal": true, "sale": true, "discount": true,
	"quality": true, "brand": true, "reviews": true, "recommended": true,
	"recommend": true, "replace": true, "replacement": true, "upgrade": true,
	"needed": true, "gift": true, "bought": true, "compare": true,
	"compared": true, "alternative": true,
}

var expectationMarkers = map[string]bool{
	"expected": true, "expecting": true, "expectation": true, "wish": true,
	"wished": true, "should": true, "hope": true, "hoped": true, "hoping": true,
	"disappointed": true, "disappointing": true, "thought": true,
}

func analyzeUsageScenario(ds *Dataset) *ModuleResult {
	return analyzeDictionary(models.ModuleUsageScenario, ds.Reviews, usageScenarioDict, nil, 0)
}

func analyzeBuyersMotivation(ds *Dataset) *ModuleResult {
	return analyzeDictionary(models.ModuleBuyersMotivation, ds.Reviews, buyersMotivationDict, nil, 0)
}

// analyzeExpectations keeps only low-star reviews that also carry an
// expectation marker: those are the ones describing what the product
// should have been.
func analyzeExpectations(ds *Dataset) *ModuleResult {
	return analyzeDictionary(models.ModuleCustomerExpectation, ds.Reviews, usageScenarioDictUnion(), expectationMarkers, 3)
}

func usageScenarioDictUnion() map[string]bool {
	merged := make(map[string]bool, len(usageScenarioDict)+len(buyersMotivationDict))
	for k := range usageScenarioDict {
		merged[k] = true
	}
	for k := range buyersMotivationDict {
		merged[k] = true
	}
	// Expectation statements also reference concrete product topics.
	for k := range topicNormalization {
		if !strings.Contains(k, " ") {
			merged[k] = true
		}
	}
	return merged
}

func analyzeDictionary(moduleCode string, reviews []*interfaces.ReviewRow, dict, markers map[string]bool, maxStars float64) *ModuleResult {
	type bucket struct {
		term     string
		mentions []*interfaces.ReviewRow
	}
	buckets := make(map[string]*bucket)

	for _, r := range reviews {
		if maxStars > 0 && r.Stars > maxStars {
			continue
		}
		tokens := tokenize(r.Title + " " + r.Body)
		if markers != nil {
			if _, ok := containsAny(tokens, markers); !ok {
				continue
			}
		}
		seen := make(map[string]bool)
		for _, tok := range tokens {
			if !dict[tok] || seen[tok] {
				continue
			}
			seen[tok] = true
			b, ok := buckets[tok]
			if !ok {
				b = &bucket{term: tok}
				buckets[tok] = b
			}
			b.mentions = append(b.mentions, r)
		}
	}

	ordered := make([]*bucket, 0, len(buckets))
	for _, b := range buckets {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i].mentions) != len(ordered[j].mentions) {
			return len(ordered[i].mentions) > len(ordered[j].mentions)
		}
		return ordered[i].term < ordered[j].term
	})

	result := &ModuleResult{Payload: map[string]interface{}{}}
	var rows []map[string]interface{}
	for _, b := range ordered {
		var stars float64
		for _, r := range b.mentions {
			stars += r.Stars
		}
		rows = append(rows, map[string]interface{}{
			"term":          b.term,
			"mention_count": len(b.mentions),
			"avg_rating":    round2(stars / float64(len(b.mentions))),
			"sample":        snippet(b.mentions[0]),
		})
		result.Evidence = append(result.Evidence, reviewEvidence(moduleCode, b.mentions[0], b.term))
	}
	result.Payload["terms"] = rows
	result.Payload["review_count"] = len(reviews)
	return result
}

// --- review.rating_optimization ------------------------------------------

const driverRatingCeiling = 3.5

func analyzeRatingOptimization(ds *Dataset) *ModuleResult {
	topics := sortedTopics(extractTopics(ds.Reviews))

	var scatter []map[string]interface{}
	var drivers []map[string]interface{}
	result := &ModuleResult{}

	for _, stats := range topics {
		point := map[string]interface{}{
			"topic":      stats.Topic,
			"mentions":   stats.Count(),
			"avg_rating": round2(stats.AvgStars()),
		}
		scatter = append(scatter, point)
		if stats.AvgStars() <= driverRatingCeiling {
			driver := map[string]interface{}{
				"topic":      stats.Topic,
				"mentions":   stats.Count(),
				"avg_rating": round2(stats.AvgStars()),
				"reason":     strings.Join(stats.TopSnippets(2), " / "),
			}
			drivers = append(drivers, driver)
			for _, r := range stats.Mentions {
				result.Evidence = append(result.Evidence, reviewEvidence(models.ModuleRatingOptimization, r, stats.Topic))
				break
			}
		}
	}

	result.Payload = map[string]interface{}{
		"scatter":     scatter,
		"top_drivers": drivers,
	}
	return result
}

// --- market.product_details ----------------------------------------------

func analyzeProductDetails(ds *Dataset) *ModuleResult {
	targets := toSet(ds.Params.TargetAsins)
	competitors := toSet(ds.Params.CompetitorAsins)

	var items []map[string]interface{}
	result := &ModuleResult{}
	for _, l := range ds.Listings {
		group := "other"
		switch {
		case targets[l.Asin]:
			group = "target"
		case competitors[l.Asin]:
			group = "competitor"
		}
		items = append(items, map[string]interface{}{
			"asin":              l.Asin,
			"group":             group,
			"title":             l.Title,
			"brand":             l.Brand,
			"price":             l.Price,
			"currency":          l.Currency,
			"rating":            l.Rating,
			"ratings_count":     l.RatingsCount,
			"bullet_points":     l.BulletPoints,
			"image_url":         l.ImageURL,
			"bought_past_month": l.BoughtPastMonth,
			"captured_day":      l.CapturedDay.Format("2006-01-02"),
		})
		result.Evidence = append(result.Evidence, &models.VocEvidence{
			ModuleCode: models.ModuleProductDetails,
			SourceType: "listing",
			SourceID:   l.Asin,
			Kind:       group,
			Snippet:    l.Title,
		})
	}
	result.Payload = map[string]interface{}{"products": items}
	return result
}

// --- keyword.keyword_details ---------------------------------------------

func analyzeKeywordDetails(ds *Dataset) *ModuleResult {
	targets := toSet(ds.Params.TargetAsins)
	byKeyword := make(map[string][]*interfaces.SerpRow)
	for _, s := range ds.Serp {
		byKeyword[s.Keyword] = append(byKeyword[s.Keyword], s)
	}

	keywords := make([]string, 0, len(byKeyword))
	for kw := range byKeyword {
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords)

	var rows []map[string]interface{}
	result := &ModuleResult{}
	for _, kw := range keywords {
		items := byKeyword[kw]
		terms := tokenize(kw)

		var sponsored, titleMatches, targetHits, salesProxy int
		var priceSum, ratingSum float64
		var priced, rated int
		for _, item := range items {
			if item.Sponsored {
				sponsored++
			}
			if item.Price > 0 {
				priceSum += item.Price
				priced++
			}
			if item.Rating > 0 {
				ratingSum += item.Rating
				rated++
			}
			if titleHasAllTerms(item.Title, terms) {
				titleMatches++
			}
			if targets[item.Asin] {
				targetHits++
			}
			salesProxy += item.BoughtPastMonth
		}

		n := float64(len(items))
		row := map[string]interface{}{
			"keyword":           kw,
			"result_count":      len(items),
			"sponsored_ratio":   round2(float64(sponsored) / n),
			"avg_price":         round2(safeDiv(priceSum, priced)),
			"avg_rating":        round2(safeDiv(ratingSum, rated)),
			"title_density":     round2(float64(titleMatches) / n),
			"serp_sales_proxy":  salesProxy,
			"target_asin_share": round2(float64(targetHits) / n),
		}
		rows = append(rows, row)

		if len(items) > 0 {
			result.Evidence = append(result.Evidence, &models.VocEvidence{
				ModuleCode: models.ModuleKeywordDetails,
				SourceType: "serp",
				SourceID:   kw,
				Kind:       "top_result",
				Snippet:    items[0].Title,
			})
		}
	}
	result.Payload = map[string]interface{}{"keywords": rows}
	return result
}

func titleHasAllTerms(title string, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	lower := strings.ToLower(title)
	for _, term := range terms {
		if !strings.Contains(lower, term) {
			return false
		}
	}
	return true
}

// --- shared helpers ------------------------------------------------------

func reviewEvidence(moduleCode string, r *interfaces.ReviewRow, kind string) *models.VocEvidence {
	return &models.VocEvidence{
		ModuleCode: moduleCode,
		SourceType: "review",
		SourceID:   r.ReviewID,
		Kind:       kind,
		Snippet:    snippet(r),
		Meta:       fmt.Sprintf(`{"asin":%q,"stars":%g,"date":%q}`, r.Asin, r.Stars, r.ReviewDate.UTC().Format(time.DateOnly)),
	}
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

func safeDiv(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
