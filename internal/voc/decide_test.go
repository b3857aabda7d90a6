package voc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"
)

type fakeResults struct {
	listingDays map[string]time.Time
	serpDays    map[string]time.Time
	reviews     []*interfaces.ReviewRow
	listings    []*interfaces.ListingRow
	serp        []*interfaces.SerpRow

	lastPreferredRunID int64
}

func (f *fakeResults) LatestListingDay(ctx context.Context, siteCode string, asins []string) (map[string]time.Time, error) {
	return f.listingDays, nil
}

func (f *fakeResults) LatestSerpDay(ctx context.Context, siteCode string, keywords []string) (map[string]time.Time, error) {
	return f.serpDays, nil
}

func (f *fakeResults) FetchReviews(ctx context.Context, siteCode string, asins []string, reviewDays int, preferredRunID int64) ([]*interfaces.ReviewRow, error) {
	f.lastPreferredRunID = preferredRunID
	return f.reviews, nil
}

func (f *fakeResults) FetchListings(ctx context.Context, siteCode string, asins []string, preferredRunID int64) ([]*interfaces.ListingRow, error) {
	return f.listings, nil
}

func (f *fakeResults) FetchSerpItems(ctx context.Context, siteCode string, keywords []string, maxPage int, preferredRunID int64) ([]*interfaces.SerpRow, error) {
	return f.serp, nil
}

func (f *fakeResults) Close() error { return nil }

func TestDecideCrawlUnits_OffIsEmpty(t *testing.T) {
	params := &models.VocParams{
		TargetAsins: []string{"A1"},
		Keywords:    []string{"k1"},
		TriggerMode: models.TriggerOff,
	}
	units, err := DecideCrawlUnits(context.Background(), params, "amazon.com", &fakeResults{}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestDecideCrawlUnits_ForceCrawlsEverything(t *testing.T) {
	params := &models.VocParams{
		TargetAsins:     []string{"A1"},
		CompetitorAsins: []string{"A2"},
		Keywords:        []string{"k1"},
		TriggerMode:     models.TriggerForce,
	}
	units, err := DecideCrawlUnits(context.Background(), params, "amazon.com", &fakeResults{}, time.Now())
	require.NoError(t, err)

	require.Len(t, units, 5)
	byType := map[models.RunType]int{}
	for _, u := range units {
		byType[u.RunType]++
	}
	assert.Equal(t, 2, byType[models.RunTypeListing])
	assert.Equal(t, 2, byType[models.RunTypeReview])
	assert.Equal(t, 1, byType[models.RunTypeKeywordSearch])
}

func TestDecideCrawlUnits_AutoCrawlsOnlyStale(t *testing.T) {
	now := time.Date(2026, 8, 26, 15, 0, 0, 0, time.UTC)
	today := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)

	reader := &fakeResults{
		listingDays: map[string]time.Time{
			"A1": today,
			"A2": today.AddDate(0, 0, -3),
		},
		serpDays: map[string]time.Time{"k1": today},
	}
	params := &models.VocParams{
		TargetAsins: []string{"A1", "A2"},
		Keywords:    []string{"k1"},
		TriggerMode: models.TriggerAuto,
	}

	units, err := DecideCrawlUnits(context.Background(), params, "amazon.com", reader, now)
	require.NoError(t, err)

	require.Len(t, units, 1)
	assert.Equal(t, models.RunTypeListing, units[0].RunType)
	assert.Equal(t, "A2", units[0].ScopeValue)
}

func TestDecideCrawlUnits_AutoYesterdayIsFresh(t *testing.T) {
	now := time.Date(2026, 8, 26, 1, 0, 0, 0, time.UTC)
	yesterday := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

	reader := &fakeResults{
		listingDays: map[string]time.Time{"A1": yesterday},
	}
	params := &models.VocParams{
		TargetAsins: []string{"A1"},
		TriggerMode: models.TriggerAuto,
	}

	units, err := DecideCrawlUnits(context.Background(), params, "amazon.com", reader, now)
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestDecideCrawlUnits_AutoNeverCapturedIsStale(t *testing.T) {
	params := &models.VocParams{
		TargetAsins: []string{"A1"},
		TriggerMode: models.TriggerAuto,
	}
	units, err := DecideCrawlUnits(context.Background(), params, "amazon.com", &fakeResults{}, time.Now())
	require.NoError(t, err)

	require.Len(t, units, 1)
	assert.Equal(t, models.RunTypeListing, units[0].RunType)
}
