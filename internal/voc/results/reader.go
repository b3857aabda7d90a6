// Package results reads the external spider's results database. Access is
// strictly SELECT; the connection is opened in query-only mode.
package results

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"
	"github.com/ternarybob/audiens/internal/models"

	_ "modernc.org/sqlite"
)

// Reader implements the results access over the spider's SQLite file. The
// spider records one row per execution in spider_runs (site_code and the
// captured day live there) and writes item rows into amazon_review_items,
// amazon_listing_items and amazon_keyword_search_items, each referencing
// its run by run_id.
type Reader struct {
	db     *sql.DB
	logger arbor.ILogger
}

// NewReader opens the results database read-only.
func NewReader(logger arbor.ILogger, dsn string) (interfaces.ResultsReader, error) {
	if dsn == "" {
		return nil, fmt.Errorf("spider results dsn is not configured")
	}
	if !strings.Contains(dsn, "query_only") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=query_only(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, models.NewStorageError("open results db", err)
	}
	db.SetMaxOpenConns(1)

	return &Reader{db: db, logger: logger}, nil
}

// LatestListingDay returns the newest captured day per ASIN, normalized to
// UTC midnight. ASINs never captured are absent from the map.
func (r *Reader) LatestListingDay(ctx context.Context, siteCode string, asins []string) (map[string]time.Time, error) {
	if len(asins) == 0 {
		return map[string]time.Time{}, nil
	}
	query := fmt.Sprintf(`
		SELECT i.asin, MAX(r.captured_day)
		FROM amazon_listing_items i
		JOIN spider_runs r ON r.run_id = i.run_id
		WHERE r.site_code = ? AND i.asin IN (%s)
		GROUP BY i.asin`, placeholders(len(asins)))

	return r.latestDays(ctx, query, append([]interface{}{siteCode}, stringArgs(asins)...))
}

// LatestSerpDay returns the newest captured day per keyword.
func (r *Reader) LatestSerpDay(ctx context.Context, siteCode string, keywords []string) (map[string]time.Time, error) {
	if len(keywords) == 0 {
		return map[string]time.Time{}, nil
	}
	query := fmt.Sprintf(`
		SELECT i.keyword, MAX(r.captured_day)
		FROM amazon_keyword_search_items i
		JOIN spider_runs r ON r.run_id = i.run_id
		WHERE r.site_code = ? AND i.keyword IN (%s)
		GROUP BY i.keyword`, placeholders(len(keywords)))

	return r.latestDays(ctx, query, append([]interface{}{siteCode}, stringArgs(keywords)...))
}

func (r *Reader) latestDays(ctx context.Context, query string, args []interface{}) (map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.NewStorageError("query latest days", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var ts int64
		if err := rows.Scan(&key, &ts); err != nil {
			return nil, models.NewStorageError("scan latest day", err)
		}
		out[key] = dayStart(time.Unix(ts, 0))
	}
	return out, rows.Err()
}

// FetchReviews returns reviews for the asins inside the review window,
// deduplicated by review id. Rows from the preferred run win over newer
// runs.
func (r *Reader) FetchReviews(ctx context.Context, siteCode string, asins []string, reviewDays int, preferredRunID int64) ([]*interfaces.ReviewRow, error) {
	if len(asins) == 0 {
		return nil, nil
	}

	cutoff := int64(0)
	if reviewDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -reviewDays).Unix()
	}
	args := []interface{}{siteCode, cutoff, preferredRunID}
	args = append(args, stringArgs(asins)...)
	query := fmt.Sprintf(`
		SELECT i.review_id, i.asin, i.stars, i.title, i.body, i.helpful_votes,
		       i.review_date, i.verified
		FROM amazon_review_items i
		JOIN spider_runs r ON r.run_id = i.run_id
		WHERE r.site_code = ?1 AND i.review_date >= ?2 AND i.asin IN (%s)
		ORDER BY (i.run_id = ?3) DESC, i.run_id DESC`, placeholdersFrom(4, len(asins)))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.NewStorageError("query reviews", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []*interfaces.ReviewRow
	for rows.Next() {
		var row interfaces.ReviewRow
		var reviewDate int64
		var verified int
		if err := rows.Scan(&row.ReviewID, &row.Asin, &row.Stars, &row.Title, &row.Body,
			&row.HelpfulVotes, &reviewDate, &verified); err != nil {
			return nil, models.NewStorageError("scan review", err)
		}
		if seen[row.ReviewID] {
			continue
		}
		seen[row.ReviewID] = true
		row.ReviewDate = time.Unix(reviewDate, 0).UTC()
		row.Verified = verified != 0
		out = append(out, &row)
	}
	return out, rows.Err()
}

// FetchListings returns one snapshot per ASIN from the latest day all
// captured asins share.
func (r *Reader) FetchListings(ctx context.Context, siteCode string, asins []string, preferredRunID int64) ([]*interfaces.ListingRow, error) {
	if len(asins) == 0 {
		return nil, nil
	}
	latest, err := r.LatestListingDay(ctx, siteCode, asins)
	if err != nil {
		return nil, err
	}
	common, ok := commonDay(latest)
	if !ok {
		return nil, nil
	}

	args := []interface{}{siteCode, common.Unix(), common.AddDate(0, 0, 1).Unix(), preferredRunID}
	args = append(args, stringArgs(asins)...)
	query := fmt.Sprintf(`
		SELECT i.asin, i.title, i.brand, i.price, i.currency, i.rating, i.ratings_count,
		       i.bullet_points, i.image_url, i.bought_past_month, r.captured_day
		FROM amazon_listing_items i
		JOIN spider_runs r ON r.run_id = i.run_id
		WHERE r.site_code = ?1 AND r.captured_day >= ?2 AND r.captured_day < ?3
		  AND i.asin IN (%s)
		ORDER BY (i.run_id = ?4) DESC, i.run_id DESC`, placeholdersFrom(5, len(asins)))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.NewStorageError("query listings", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []*interfaces.ListingRow
	for rows.Next() {
		var row interfaces.ListingRow
		var bullets string
		var capturedDay int64
		if err := rows.Scan(&row.Asin, &row.Title, &row.Brand, &row.Price, &row.Currency,
			&row.Rating, &row.RatingsCount, &bullets, &row.ImageURL,
			&row.BoughtPastMonth, &capturedDay); err != nil {
			return nil, models.NewStorageError("scan listing", err)
		}
		if seen[row.Asin] {
			continue
		}
		seen[row.Asin] = true
		row.BulletPoints = splitBullets(bullets)
		row.CapturedDay = dayStart(time.Unix(capturedDay, 0))
		out = append(out, &row)
	}
	return out, rows.Err()
}

// FetchSerpItems returns the latest common day's SERP rows up to maxPage,
// deduplicated by (keyword, page, position).
func (r *Reader) FetchSerpItems(ctx context.Context, siteCode string, keywords []string, maxPage int, preferredRunID int64) ([]*interfaces.SerpRow, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	latest, err := r.LatestSerpDay(ctx, siteCode, keywords)
	if err != nil {
		return nil, err
	}
	common, ok := commonDay(latest)
	if !ok {
		return nil, nil
	}
	if maxPage <= 0 {
		maxPage = 3
	}

	args := []interface{}{siteCode, common.Unix(), common.AddDate(0, 0, 1).Unix(), maxPage, preferredRunID}
	args = append(args, stringArgs(keywords)...)
	query := fmt.Sprintf(`
		SELECT i.keyword, i.asin, i.page, i.position, i.title, i.price, i.rating,
		       i.ratings_count, i.sponsored, i.bought_past_month, r.captured_day
		FROM amazon_keyword_search_items i
		JOIN spider_runs r ON r.run_id = i.run_id
		WHERE r.site_code = ?1 AND r.captured_day >= ?2 AND r.captured_day < ?3
		  AND i.page <= ?4 AND i.keyword IN (%s)
		ORDER BY (i.run_id = ?5) DESC, i.run_id DESC, i.keyword, i.page, i.position`,
		placeholdersFrom(6, len(keywords)))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.NewStorageError("query serp items", err)
	}
	defer rows.Close()

	type slot struct {
		keyword        string
		page, position int
	}
	seen := make(map[slot]bool)
	var out []*interfaces.SerpRow
	for rows.Next() {
		var row interfaces.SerpRow
		var sponsored int
		var capturedDay int64
		if err := rows.Scan(&row.Keyword, &row.Asin, &row.Page, &row.Position, &row.Title,
			&row.Price, &row.Rating, &row.RatingsCount, &sponsored,
			&row.BoughtPastMonth, &capturedDay); err != nil {
			return nil, models.NewStorageError("scan serp item", err)
		}
		key := slot{row.Keyword, row.Page, row.Position}
		if seen[key] {
			continue
		}
		seen[key] = true
		row.Sponsored = sponsored != 0
		row.CapturedDay = dayStart(time.Unix(capturedDay, 0))
		out = append(out, &row)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

// commonDay is the newest day every captured key shares: the minimum of the
// per-key maxima.
func commonDay(latest map[string]time.Time) (time.Time, bool) {
	var day time.Time
	for _, t := range latest {
		if day.IsZero() || t.Before(day) {
			day = t
		}
	}
	return day, !day.IsZero()
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func splitBullets(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func placeholdersFrom(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("?%d", start+i)
	}
	return strings.Join(parts, ",")
}

func stringArgs(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
