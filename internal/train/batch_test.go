package train

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/54b3r/kbchat-go/internal/store"
)

// fakeExchangeSource serves a fixed exchange list.
type fakeExchangeSource struct {
	exchanges []store.Exchange
}

func (f *fakeExchangeSource) RecentExchanges(_ context.Context, _ time.Time, limit int) ([]store.Exchange, error) {
	if len(f.exchanges) > limit {
		return f.exchanges[:limit], nil
	}
	return f.exchanges, nil
}

func Test_Batch_ReplaysRecentExchanges(t *testing.T) {
	t.Parallel()

	longAnswer := strings.Repeat("the infra team manages the kubernetes clusters. ", 5)
	src := &fakeExchangeSource{exchanges: []store.Exchange{
		{ConversationID: "c1", Question: "who manages the clusters", Answer: longAnswer},
		{ConversationID: "c2", Question: "hi", Answer: "hello"}, // too short, filtered
	}}

	fc := &fakeCompleter{response: goodExtracted}
	vs := &fakeVectorStore{}
	w := newTestWriter(t, fc, vs)

	res, err := Batch(context.Background(), src, w, BatchConfig{}, testLogger())
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if res.Considered != 1 {
		t.Errorf("Considered = %d, want 1", res.Considered)
	}
	if res.Written != 1 {
		t.Errorf("Written = %d, want 1", res.Written)
	}
	if vs.upsertCount() != 1 {
		t.Errorf("upserts = %d, want 1", vs.upsertCount())
	}
}

func Test_Batch_RepeatRunSkipsProcessed(t *testing.T) {
	t.Parallel()

	longAnswer := strings.Repeat("the infra team manages the kubernetes clusters. ", 5)
	src := &fakeExchangeSource{exchanges: []store.Exchange{
		{ConversationID: "c1", Question: "who manages the clusters", Answer: longAnswer},
	}}

	fc := &fakeCompleter{response: goodExtracted}
	vs := &fakeVectorStore{}
	w := newTestWriter(t, fc, vs, WithTrainingLog(newFakeTrainingLog()))

	if _, err := Batch(context.Background(), src, w, BatchConfig{}, testLogger()); err != nil {
		t.Fatalf("first Batch: %v", err)
	}
	res, err := Batch(context.Background(), src, w, BatchConfig{}, testLogger())
	if err != nil {
		t.Fatalf("second Batch: %v", err)
	}
	if res.Written != 0 {
		t.Errorf("second run Written = %d, want 0", res.Written)
	}
	if vs.upsertCount() != 1 {
		t.Errorf("upserts = %d, want 1 across repeated runs", vs.upsertCount())
	}
}
