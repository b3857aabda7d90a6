package interfaces

import (
	"context"
	"time"
)

// SpiderRequest is the JSON record pushed onto the spider's Redis list.
type SpiderRequest struct {
	TaskID        string         `json:"task_id"`
	RunType       string         `json:"run_type"`
	SiteCode      string         `json:"site_code"`
	ScopeType     string         `json:"scope_type"`
	ScopeValue    string         `json:"scope_value"`
	CallbackURL   string         `json:"callback_url"`
	CallbackToken string         `json:"callback_token"`
	Extra         map[string]int `json:"extra,omitempty"`
}

// SpiderGateway hands crawl requests to the external spider. The spider
// drains the list with RPOP, so requests are pushed with LPUSH for FIFO
// order.
type SpiderGateway interface {
	Enqueue(ctx context.Context, req *SpiderRequest) error
	Close() error
}

// ResultsReader reads the external spider's results database. Access is
// strictly SELECT.
type ResultsReader interface {
	// LatestListingDay returns the most recent captured day (UTC midnight)
	// per ASIN, omitting ASINs never captured.
	LatestListingDay(ctx context.Context, siteCode string, asins []string) (map[string]time.Time, error)
	// LatestSerpDay returns the most recent captured day per keyword.
	LatestSerpDay(ctx context.Context, siteCode string, keywords []string) (map[string]time.Time, error)
	FetchReviews(ctx context.Context, siteCode string, asins []string, reviewDays int, preferredRunID int64) ([]*ReviewRow, error)
	// FetchListings returns the latest common captured day's snapshots for
	// the given asins.
	FetchListings(ctx context.Context, siteCode string, asins []string, preferredRunID int64) ([]*ListingRow, error)
	FetchSerpItems(ctx context.Context, siteCode string, keywords []string, maxPage int, preferredRunID int64) ([]*SerpRow, error)
	Close() error
}

// ReviewRow is one review from the results database.
type ReviewRow struct {
	ReviewID     string
	Asin         string
	Stars        float64
	Title        string
	Body         string
	HelpfulVotes int
	ReviewDate   time.Time
	Verified     bool
}

// ListingRow is one listing snapshot from the results database.
type ListingRow struct {
	Asin            string
	Title           string
	Brand           string
	Price           float64
	Currency        string
	Rating          float64
	RatingsCount    int
	BulletPoints    []string
	ImageURL        string
	BoughtPastMonth int
	CapturedDay     time.Time
}

// SerpRow is one keyword search result item from the results database.
type SerpRow struct {
	Keyword         string
	Asin            string
	Page            int
	Position        int
	Title           string
	Price           float64
	Rating          float64
	RatingsCount    int
	Sponsored       bool
	BoughtPastMonth int
	CapturedDay     time.Time
}
