package abtest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mailtrack/internal/abtest"
	"github.com/noah-isme/mailtrack/internal/generator"
	"github.com/noah-isme/mailtrack/internal/repo"
)

func TestAllocateBalancedAndReproducible(t *testing.T) {
	emails := make([]string, 10000)
	for i := range emails {
		emails[i] = fmt.Sprintf("user%d@example.com", i)
	}
	first, err := abtest.NewAllocator(7)
	require.NoError(t, err)
	second, err := abtest.NewAllocator(7)
	require.NoError(t, err)

	a := first.Allocate(emails)
	b := second.Allocate(emails)
	require.Equal(t, a, b)
	require.Len(t, a, len(emails))

	var countA int
	for _, p := range a {
		require.True(t, p.Variant.Valid())
		if p.Variant == abtest.VariantA {
			countA++
		}
	}
	fraction := float64(countA) / float64(len(a))
	require.GreaterOrEqual(t, fraction, 0.48)
	require.LessOrEqual(t, fraction, 0.52)
}

func TestAllocateCollapsesDuplicates(t *testing.T) {
	alloc, err := abtest.NewAllocator(0)
	require.NoError(t, err)
	got := alloc.Allocate([]string{"Ana@Example.com", " ana@example.com ", "", "bob@example.com"})
	require.Len(t, got, 2)
	require.Equal(t, "ana@example.com", got[0].Email)
	require.Equal(t, "bob@example.com", got[1].Email)
}

type countingGenerator struct{ calls int }

func (c *countingGenerator) Generate(_ context.Context, p generator.Params) (generator.Content, error) {
	c.calls++
	return generator.Content{Greeting: "Hello", Body: p.Purpose, Signature: p.Company}, nil
}

func newService(t *testing.T, gen generator.ContentGenerator) (*abtest.Service, *repo.MemoryStore) {
	t.Helper()
	store := repo.NewMemoryStore()
	alloc, err := abtest.NewAllocator(1)
	require.NoError(t, err)
	return &abtest.Service{Store: store, Generator: gen, Allocator: alloc}, store
}

func TestCreateGeneratesMissingContent(t *testing.T) {
	gen := &countingGenerator{}
	svc, _ := newService(t, gen)
	exp, err := svc.Create(context.Background(), abtest.CreateInput{
		Name:      "launch",
		VersionA:  abtest.VersionInput{Subject: "A", Params: generator.Params{Company: "Acme", Purpose: "announce"}},
		VersionB:  abtest.VersionInput{Subject: "B", Content: "Handwritten"},
		Prospects: []string{"a@example.com", "b@example.com", "A@example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, gen.calls)
	require.Equal(t, "Hello\n\nannounce\n\nAcme", exp.A.Content)
	require.NotNil(t, exp.A.Brief)
	require.Equal(t, "Handwritten", exp.B.Content)
	require.Nil(t, exp.B.Brief)
	require.Len(t, exp.Prospects, 2)
	require.Zero(t, exp.A.SentCount)

	stored, err := svc.Get(context.Background(), exp.ID)
	require.NoError(t, err)
	require.Equal(t, exp.Prospects, stored.Prospects)
}

func TestCreateRequiresBriefOrContent(t *testing.T) {
	svc, _ := newService(t, &countingGenerator{})
	_, err := svc.Create(context.Background(), abtest.CreateInput{
		Name:      "x",
		VersionA:  abtest.VersionInput{Subject: "A"},
		VersionB:  abtest.VersionInput{Subject: "B", Content: "b"},
		Prospects: []string{"a@example.com"},
	})
	require.Error(t, err)
}

func TestCreateGenerationFailure(t *testing.T) {
	gen := generator.Func(func(context.Context, generator.Params) (generator.Content, error) {
		return generator.Content{}, fmt.Errorf("%w: boom", generator.ErrGeneration)
	})
	svc, store := newService(t, gen)
	_, err := svc.Create(context.Background(), abtest.CreateInput{
		Name:      "x",
		VersionA:  abtest.VersionInput{Subject: "A", Params: generator.Params{Purpose: "p"}},
		VersionB:  abtest.VersionInput{Subject: "B", Params: generator.Params{Purpose: "p"}},
		Prospects: []string{"a@example.com"},
	})
	require.ErrorIs(t, err, generator.ErrGeneration)
	list, err := store.ListExperiments(context.Background())
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestStatsZeroDenominator(t *testing.T) {
	stats := abtest.StatsOf(abtest.Experiment{Name: "n", A: abtest.VariantData{SentCount: 4, OpenCount: 1}})
	require.InDelta(t, 25.0, float64(stats.VersionA.OpenRate), 1e-9)
	require.Zero(t, float64(stats.VersionB.OpenRate))
}

func router(svc *abtest.Service) http.Handler {
	h := &abtest.Handler{Svc: svc}
	r := chi.NewRouter()
	r.Post("/ab-test/create-test", h.Create)
	r.Get("/ab-test/test-results/{experimentId}", h.Results)
	r.Get("/ab-test/all", h.All)
	return r
}

func TestHandlers(t *testing.T) {
	svc, _ := newService(t, &countingGenerator{})
	r := router(svc)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ab-test/all", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	body := []byte(`{"name":"launch","versionA":{"subject":"A","company":"Acme","purpose":"x"},"versionB":{"subject":"B","content":"b"},"prospects":["a@example.com","b@example.com"]}`)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ab-test/create-test", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created abtest.Experiment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(t, created.Prospects, 2)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ab-test/test-results/"+created.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"name":"launch","versionA":{"sentCount":0,"openCount":0,"openRate":0.00},"versionB":{"sentCount":0,"openCount":0,"openRate":0.00}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ab-test/test-results/not-a-uuid", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ab-test/create-test", bytes.NewReader([]byte(`{"name":"x","prospects":["nope"]}`))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerGenerationFailureIsBadGateway(t *testing.T) {
	gen := generator.Func(func(context.Context, generator.Params) (generator.Content, error) {
		return generator.Content{}, errors.Join(generator.ErrGeneration, errors.New("timeout"))
	})
	svc, _ := newService(t, gen)
	body := []byte(`{"name":"launch","versionA":{"subject":"A","purpose":"x"},"versionB":{"subject":"B","purpose":"y"},"prospects":["a@example.com"]}`)
	rec := httptest.NewRecorder()
	router(svc).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ab-test/create-test", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "GENERATION_FAILED")
}
