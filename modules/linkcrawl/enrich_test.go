package linkcrawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/forage/internal/httpclient"
	testutil "github.com/teranos/forage/internal/testing"
	"github.com/teranos/forage/pulse/entity"
	"github.com/teranos/forage/pulse/quarantine"
	"github.com/teranos/forage/pulse/staging"
	"github.com/teranos/forage/pulse/task"
)

func TestEnricherCompletesStagedRecords(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, homePage)
	}))
	defer srv.Close()

	h := testutil.CreateTestDB(t)
	clock := testutil.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	store := staging.NewStoreWithClock(h, staging.DefaultConfig(), clock.Now)

	host := strings.TrimPrefix(srv.URL, "http://")
	known := "Sonne Backstube"
	_, err := store.EnqueueAll(ctx, []task.Candidate{
		{NaturalKey: host, Resource: host, Source: Name, Fields: entity.Fields{Website: &srv.URL}},
		{NaturalKey: "named.example", Resource: "named.example", Source: Name,
			Fields: entity.Fields{Website: &srv.URL, Name: &known, Description: &known}},
	})
	require.NoError(t, err)

	breaker := quarantine.NewBreakerWithClock(quarantine.NewSQLStore(h), quarantine.DefaultPolicy(), zaptest.NewLogger(t).Sugar(), clock.Now)
	p := staging.NewPipeline(store, Enricher(httpclient.WrapClient(srv.Client())), breaker, nil, zaptest.NewLogger(t).Sugar())

	sum, err := p.RunOnce(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Promoted)
	assert.EqualValues(t, 1, hits.Load(), "records that are already complete are not fetched")

	c, err := store.GetCanonical(ctx, host)
	require.NoError(t, err)
	require.NotNil(t, c.Name)
	assert.Equal(t, "Bäckerei Sonne", *c.Name)
	assert.Equal(t, "Fresh bread since 1921", *c.Description)
	assert.Equal(t, "info@sonne.example", *c.Email)

	c, err = store.GetCanonical(ctx, "named.example")
	require.NoError(t, err)
	assert.Equal(t, known, *c.Name)
}

func TestEnricherSurfacesThrottling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := Enricher(httpclient.WrapClient(srv.Client()))
	_, err := e.Enrich(context.Background(), &staging.Record{Payload: entity.Fields{Website: &srv.URL}}, task.Unbounded())
	require.Error(t, err)
	code, ok := quarantine.ClassifyError(err)
	require.True(t, ok)
	assert.Equal(t, quarantine.CodeRateLimited, code)
}
