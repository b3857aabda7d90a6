// Package voc drives voice-of-customer analysis jobs: crawl planning,
// spider callbacks, dataset extraction, analyzers and report assembly.
package voc

import (
	"context"
	"time"

	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

// DecideCrawlUnits turns job parameters into the crawl plan. OFF skips
// crawling entirely; FORCE crawls everything; AUTO consults the results
// database and enqueues only stale listing and SERP units. Review crawls
// are incremental on the spider side and skipped in AUTO.
func DecideCrawlUnits(ctx context.Context, params *models.VocParams, siteCode string, reader interfaces.ResultsReader, now time.Time) ([]models.CrawlUnit, error) {
	if params.TriggerMode == models.TriggerOff {
		return nil, nil
	}

	asins := allAsins(params)
	var units []models.CrawlUnit

	if params.TriggerMode == models.TriggerForce {
		for _, asin := range asins {
			units = append(units,
				models.CrawlUnit{RunType: models.RunTypeListing, ScopeType: models.ScopeAsin, ScopeValue: asin},
				models.CrawlUnit{RunType: models.RunTypeReview, ScopeType: models.ScopeAsin, ScopeValue: asin},
			)
		}
		for _, kw := range params.Keywords {
			units = append(units, models.CrawlUnit{
				RunType: models.RunTypeKeywordSearch, ScopeType: models.ScopeKeyword,
				ScopeValue: kw, PageNum: params.MaxSerpPageNum,
			})
		}
		return units, nil
	}

	// AUTO: a captured day is fresh when it is yesterday or newer.
	freshCutoff := dayStartUTC(now).AddDate(0, 0, -1)

	listingDays, err := reader.LatestListingDay(ctx, siteCode, asins)
	if err != nil {
		return nil, err
	}
	for _, asin := range asins {
		if captured, ok := listingDays[asin]; !ok || captured.Before(freshCutoff) {
			units = append(units, models.CrawlUnit{
				RunType: models.RunTypeListing, ScopeType: models.ScopeAsin, ScopeValue: asin,
			})
		}
	}

	serpDays, err := reader.LatestSerpDay(ctx, siteCode, params.Keywords)
	if err != nil {
		return nil, err
	}
	for _, kw := range params.Keywords {
		if captured, ok := serpDays[kw]; !ok || captured.Before(freshCutoff) {
			units = append(units, models.CrawlUnit{
				RunType: models.RunTypeKeywordSearch, ScopeType: models.ScopeKeyword,
				ScopeValue: kw, PageNum: params.MaxSerpPageNum,
			})
		}
	}
	return units, nil
}

func allAsins(params *models.VocParams) []string {
	seen := make(map[string]bool)
	var out []string
	for _, asin := range append(append([]string(nil), params.TargetAsins...), params.CompetitorAsins...) {
		if asin == "" || seen[asin] {
			continue
		}
		seen[asin] = true
		out = append(out, asin)
	}
	return out
}

func dayStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
