package results

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/interfaces"

	_ "modernc.org/sqlite"
)

const spiderSchema = `
CREATE TABLE spider_runs (
	run_id INTEGER PRIMARY KEY,
	site_code TEXT NOT NULL,
	run_type TEXT NOT NULL DEFAULT '',
	captured_day INTEGER NOT NULL,
	created_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE amazon_review_items (
	run_id INTEGER NOT NULL,
	asin TEXT NOT NULL,
	review_id TEXT NOT NULL,
	stars REAL NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	helpful_votes INTEGER NOT NULL DEFAULT 0,
	review_date INTEGER NOT NULL,
	verified INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE amazon_review_media (
	run_id INTEGER NOT NULL,
	review_id TEXT NOT NULL,
	media_type TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT ''
);
CREATE TABLE amazon_listing_items (
	run_id INTEGER NOT NULL,
	asin TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	brand TEXT NOT NULL DEFAULT '',
	price REAL NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT '',
	rating REAL NOT NULL DEFAULT 0,
	ratings_count INTEGER NOT NULL DEFAULT 0,
	bullet_points TEXT NOT NULL DEFAULT '',
	image_url TEXT NOT NULL DEFAULT '',
	bought_past_month INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE amazon_keyword_search_items (
	run_id INTEGER NOT NULL,
	keyword TEXT NOT NULL,
	asin TEXT NOT NULL,
	page INTEGER NOT NULL,
	position INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	price REAL NOT NULL DEFAULT 0,
	rating REAL NOT NULL DEFAULT 0,
	ratings_count INTEGER NOT NULL DEFAULT 0,
	sponsored INTEGER NOT NULL DEFAULT 0,
	bought_past_month INTEGER NOT NULL DEFAULT 0
);`

func day(offset int) int64 {
	now := time.Now().UTC()
	d := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return d.AddDate(0, 0, offset).Unix()
}

func setupResults(t *testing.T, seed func(db *sql.DB)) interfaces.ResultsReader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spider.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(spiderSchema)
	require.NoError(t, err)
	seed(db)
	require.NoError(t, db.Close())

	reader, err := NewReader(arbor.NewLogger(), path)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })
	return reader
}

func seedRun(db *sql.DB, runID int64, siteCode string, capturedDay int64) {
	db.Exec(`INSERT INTO spider_runs (run_id, site_code, captured_day) VALUES (?, ?, ?)`,
		runID, siteCode, capturedDay)
}

func TestReader_LatestListingDay(t *testing.T) {
	reader := setupResults(t, func(db *sql.DB) {
		seedRun(db, 1, "amazon.com", day(-3))
		seedRun(db, 2, "amazon.com", day(0))
		seedRun(db, 3, "amazon.com", day(-3))
		seedRun(db, 4, "amazon.de", day(0))

		insert := `INSERT INTO amazon_listing_items (run_id, asin) VALUES (?, ?)`
		db.Exec(insert, 1, "A1")
		db.Exec(insert, 2, "A1")
		db.Exec(insert, 3, "A2")
		db.Exec(insert, 4, "A3")
	})

	latest, err := reader.LatestListingDay(context.Background(), "amazon.com", []string{"A1", "A2", "A3"})
	require.NoError(t, err)

	require.Len(t, latest, 2)
	assert.Equal(t, day(0), latest["A1"].Unix())
	assert.Equal(t, day(-3), latest["A2"].Unix())
	_, captured := latest["A3"]
	assert.False(t, captured)
}

func TestReader_FetchReviewsWindowAndDedup(t *testing.T) {
	reader := setupResults(t, func(db *sql.DB) {
		seedRun(db, 1, "amazon.com", day(-2))
		seedRun(db, 2, "amazon.com", day(0))

		insert := `INSERT INTO amazon_review_items (run_id, asin, review_id, stars, body, review_date) VALUES (?, ?, ?, ?, ?, ?)`
		db.Exec(insert, 1, "A1", "r1", 5.0, "old body", day(-2))
		db.Exec(insert, 2, "A1", "r1", 5.0, "new body", day(-2))
		db.Exec(insert, 2, "A1", "r2", 1.0, "too old", day(-40))
		db.Exec(insert, 2, "A2", "r3", 3.0, "other asin", day(-1))
	})

	rows, err := reader.FetchReviews(context.Background(), "amazon.com", []string{"A1", "A2"}, 30, 1)
	require.NoError(t, err)

	require.Len(t, rows, 2)
	byID := map[string]*interfaces.ReviewRow{}
	for _, row := range rows {
		byID[row.ReviewID] = row
	}
	// Run 1 is preferred, so the duplicate resolves to its copy.
	assert.Equal(t, "old body", byID["r1"].Body)
	assert.Equal(t, "other asin", byID["r3"].Body)
}

func TestReader_FetchListingsLatestCommonDay(t *testing.T) {
	reader := setupResults(t, func(db *sql.DB) {
		// A1 captured today and yesterday; A2 only yesterday. The common
		// day is yesterday.
		seedRun(db, 2, "amazon.com", day(-1))
		seedRun(db, 3, "amazon.com", day(0))

		insert := `INSERT INTO amazon_listing_items (run_id, asin, title, bullet_points) VALUES (?, ?, ?, ?)`
		db.Exec(insert, 3, "A1", "A1 today", "")
		db.Exec(insert, 2, "A1", "A1 yesterday", "one\ntwo")
		db.Exec(insert, 2, "A2", "A2 yesterday", "")
	})

	rows, err := reader.FetchListings(context.Background(), "amazon.com", []string{"A1", "A2"}, 0)
	require.NoError(t, err)

	require.Len(t, rows, 2)
	byAsin := map[string]*interfaces.ListingRow{}
	for _, row := range rows {
		byAsin[row.Asin] = row
	}
	assert.Equal(t, "A1 yesterday", byAsin["A1"].Title)
	assert.Equal(t, []string{"one", "two"}, byAsin["A1"].BulletPoints)
	assert.Equal(t, day(-1), byAsin["A2"].CapturedDay.Unix())
}

func TestReader_FetchSerpItemsRespectsMaxPage(t *testing.T) {
	reader := setupResults(t, func(db *sql.DB) {
		seedRun(db, 1, "amazon.com", day(0))

		insert := `INSERT INTO amazon_keyword_search_items (run_id, keyword, asin, page, position, sponsored) VALUES (?, ?, ?, ?, ?, ?)`
		db.Exec(insert, 1, "k1", "A1", 1, 1, 1)
		db.Exec(insert, 1, "k1", "A2", 1, 2, 0)
		db.Exec(insert, 1, "k1", "A3", 5, 1, 0)
	})

	rows, err := reader.FetchSerpItems(context.Background(), "amazon.com", []string{"k1"}, 2, 0)
	require.NoError(t, err)

	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.LessOrEqual(t, row.Page, 2)
	}
	assert.True(t, rows[0].Sponsored)
}

func TestReader_RejectsWrites(t *testing.T) {
	reader := setupResults(t, func(db *sql.DB) {})

	raw := reader.(*Reader)
	_, err := raw.db.Exec(`INSERT INTO amazon_review_items (run_id, asin, review_id, stars, review_date) VALUES (1, 'a', 'r', 5, 0)`)
	require.Error(t, err)
}
