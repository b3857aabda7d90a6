package spider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/audiens/internal/common"
	"github.com/ternarybob/audiens/internal/interfaces"
)

func TestCallbackToken_RoundTrip(t *testing.T) {
	token, hash, err := NewCallbackToken("secret")
	require.NoError(t, err)
	assert.Len(t, token, 64)
	assert.Len(t, hash, 64)
	assert.NotEqual(t, token, hash)

	assert.True(t, VerifyToken("secret", hash, token))
	assert.False(t, VerifyToken("secret", hash, token+"x"))
	assert.False(t, VerifyToken("secret", hash, ""))
	assert.False(t, VerifyToken("other", hash, token))
}

func TestCallbackToken_Unique(t *testing.T) {
	a, _, err := NewCallbackToken("secret")
	require.NoError(t, err)
	b, _, err := NewCallbackToken("secret")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGateway_EnqueuePushesJSON(t *testing.T) {
	srv := miniredis.RunT(t)

	gw, err := NewGateway(&common.RedisConfig{
		URL:     "redis://" + srv.Addr(),
		ListKey: "spider:requests",
		Timeout: "2s",
	}, arbor.NewLogger())
	require.NoError(t, err)
	defer gw.Close()

	req := &interfaces.SpiderRequest{
		TaskID:        "voc:1:amazon_review:B000X",
		RunType:       "amazon_review",
		SiteCode:      "amazon.com",
		ScopeType:     "asin",
		ScopeValue:    "B000X",
		CallbackURL:   "https://api.example.com/voc/spider/callback/1",
		CallbackToken: "opaque",
	}
	require.NoError(t, gw.Enqueue(context.Background(), req))

	items, err := srv.List("spider:requests")
	require.NoError(t, err)
	require.Len(t, items, 1)

	var got interfaces.SpiderRequest
	require.NoError(t, json.Unmarshal([]byte(items[0]), &got))
	assert.Equal(t, req.TaskID, got.TaskID)
	assert.Equal(t, req.CallbackToken, got.CallbackToken)
}

func TestGateway_FIFOOrder(t *testing.T) {
	srv := miniredis.RunT(t)

	gw, err := NewGateway(&common.RedisConfig{URL: "redis://" + srv.Addr()}, arbor.NewLogger())
	require.NoError(t, err)
	defer gw.Close()

	ctx := context.Background()
	require.NoError(t, gw.Enqueue(ctx, &interfaces.SpiderRequest{TaskID: "first"}))
	require.NoError(t, gw.Enqueue(ctx, &interfaces.SpiderRequest{TaskID: "second"}))

	// The spider consumes with RPOP: the earliest push sits at the tail.
	items, err := srv.List("spider:requests")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Contains(t, items[len(items)-1], "first")
}
