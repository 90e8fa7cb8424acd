package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mailtrack/internal/abtest"
	"github.com/noah-isme/mailtrack/internal/campaign"
	"github.com/noah-isme/mailtrack/internal/repo"
)

func seedExperiment(t *testing.T, store *repo.MemoryStore, id, name string) {
	t.Helper()
	require.NoError(t, store.CreateExperiment(context.Background(), abtest.Experiment{
		ID:        id,
		Name:      name,
		A:         abtest.VariantData{Subject: "a", Content: "a", SentCount: 9},
		B:         abtest.VariantData{Subject: "b", Content: "b", OpenCount: 4},
		CreatedAt: time.Now(),
	}))
}

func TestTargets(t *testing.T) {
	store := repo.NewMemoryStore()
	seedExperiment(t, store, "11111111-1111-1111-1111-111111111111", "one")
	seedExperiment(t, store, "22222222-2222-2222-2222-222222222222", "two")

	ids, err := targets(context.Background(), store, "", true)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	ids, err = targets(context.Background(), store, "x", false)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, ids)

	_, err = targets(context.Background(), store, "x", true)
	require.Error(t, err)
	_, err = targets(context.Background(), store, "", false)
	require.Error(t, err)
}

func TestRunRepairsCounters(t *testing.T) {
	store := repo.NewMemoryStore()
	id := "33333333-3333-3333-3333-333333333333"
	seedExperiment(t, store, id, "drifted")
	sender := &campaign.Sender{Records: store, Experiments: store}

	var out bytes.Buffer
	failed := run(context.Background(), sender, []string{id, "44444444-4444-4444-4444-444444444444"}, &out, zerolog.Nop())
	require.Equal(t, 1, failed)
	require.Contains(t, out.String(), "A sent=0 opened=0\tB sent=0 opened=0")

	exp, err := store.GetExperiment(context.Background(), id)
	require.NoError(t, err)
	require.Zero(t, exp.A.SentCount)
	require.Zero(t, exp.B.OpenCount)
}

type cancellingReconciler struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingReconciler) Reconcile(_ context.Context, id string) (abtest.Experiment, error) {
	c.calls++
	c.cancel()
	return abtest.Experiment{ID: id, Name: "first"}, nil
}

func TestRunReportsRemainingOnInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &cancellingReconciler{cancel: cancel}

	var out, logs bytes.Buffer
	failed := run(ctx, r, []string{"a", "b", "c"}, &out, zerolog.New(&logs))
	require.Equal(t, 2, failed)
	require.Equal(t, 1, r.calls)
	require.Contains(t, out.String(), "a\tfirst")
	require.Contains(t, logs.String(), `"remaining":2`)
}
