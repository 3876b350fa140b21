package shadow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDoc = "pipelines"

func TestStore_EnsureExistsCreatesEmptyDesired(t *testing.T) {
	svc := NewMemoryService()
	store := NewStore(svc, time.Second)
	ctx := context.Background()

	require.NoError(t, store.EnsureExists(ctx, testDoc))
	require.NoError(t, store.EnsureExists(ctx, testDoc))

	doc, err := svc.Get(ctx, testDoc)
	require.NoError(t, err)
	assert.NotNil(t, doc.State.Desired)
	assert.Empty(t, doc.State.Desired)
	assert.Equal(t, 1, svc.Updates(testDoc), "second EnsureExists must not write")
}

func TestStore_EnsureExistsKeepsExistingDocument(t *testing.T) {
	svc := NewMemoryService()
	svc.Put(testDoc, Document{State: State{Desired: PipelineSet{{StreamID: "cam0", Definition: "a"}}}})
	store := NewStore(svc, time.Second)

	require.NoError(t, store.EnsureExists(context.Background(), testDoc))

	set, err := store.Desired(context.Background(), testDoc)
	require.NoError(t, err)
	assert.Equal(t, PipelineSet{{StreamID: "cam0", Definition: "a"}}, set)
	assert.Equal(t, 0, svc.Updates(testDoc))
}

func TestStore_UpsertReplacesOrAppends(t *testing.T) {
	svc := NewMemoryService()
	store := NewStore(svc, time.Second)
	ctx := context.Background()
	require.NoError(t, store.EnsureExists(ctx, testDoc))

	require.NoError(t, store.Upsert(ctx, testDoc, "cam0", "def-a"))
	require.NoError(t, store.Upsert(ctx, testDoc, "cam1", "def-b"))
	require.NoError(t, store.Upsert(ctx, testDoc, "cam0", "def-c"))

	set, err := store.Desired(ctx, testDoc)
	require.NoError(t, err)
	assert.True(t, set.Equal(PipelineSet{
		{StreamID: "cam1", Definition: "def-b"},
		{StreamID: "cam0", Definition: "def-c"},
	}), "got %v", set)
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	svc := NewMemoryService()
	store := NewStore(svc, time.Second)
	ctx := context.Background()
	require.NoError(t, store.EnsureExists(ctx, testDoc))

	require.NoError(t, store.Upsert(ctx, testDoc, "cam0", "def-a"))
	first, err := store.Desired(ctx, testDoc)
	require.NoError(t, err)

	require.NoError(t, store.Upsert(ctx, testDoc, "cam0", "def-a"))
	second, err := store.Desired(ctx, testDoc)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, second, 1)
}

func TestStore_DeleteAbsentIssuesNoWrite(t *testing.T) {
	svc := NewMemoryService()
	store := NewStore(svc, time.Second)
	ctx := context.Background()
	require.NoError(t, store.EnsureExists(ctx, testDoc))
	require.NoError(t, store.Upsert(ctx, testDoc, "cam0", "def-a"))
	writes := svc.Updates(testDoc)

	require.NoError(t, store.Delete(ctx, testDoc, "cam9"))

	assert.Equal(t, writes, svc.Updates(testDoc))
	set, err := store.Desired(ctx, testDoc)
	require.NoError(t, err)
	assert.Len(t, set, 1)
}

func TestStore_RoundTrip(t *testing.T) {
	svc := NewMemoryService()
	store := NewStore(svc, time.Second)
	ctx := context.Background()

	require.NoError(t, store.EnsureExists(ctx, testDoc))
	require.NoError(t, store.Upsert(ctx, testDoc, "cam0", "videotestsrc ! fakesink"))
	require.NoError(t, store.Delete(ctx, testDoc, "cam0"))

	set, err := store.Desired(ctx, testDoc)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestStore_ReportUpdatesDelta(t *testing.T) {
	svc := NewMemoryService()
	store := NewStore(svc, time.Second)
	ctx := context.Background()
	require.NoError(t, store.EnsureExists(ctx, testDoc))
	require.NoError(t, store.Upsert(ctx, testDoc, "cam0", "def-a"))

	doc, err := svc.Get(ctx, testDoc)
	require.NoError(t, err)
	assert.Len(t, doc.State.Delta, 1)

	require.NoError(t, store.Report(ctx, testDoc, PipelineSet{{StreamID: "cam0", Definition: "def-a"}}))

	doc, err = svc.Get(ctx, testDoc)
	require.NoError(t, err)
	assert.Empty(t, doc.State.Delta)
	assert.Empty(t, doc.State.Desired.Diff(doc.State.Reported))
}

func TestStore_FailureKinds(t *testing.T) {
	testCases := []struct {
		name    string
		getErr  error
		updErr  error
		want    error
		wantOp  string
		operate func(s *Store) error
	}{
		{
			name:    "upsert_on_missing_document",
			getErr:  ErrNotFound,
			want:    ErrNotFound,
			wantOp:  "upsert",
			operate: func(s *Store) error { return s.Upsert(context.Background(), testDoc, "cam0", "x") },
		},
		{
			name:    "delete_unauthorized",
			getErr:  ErrUnauthorized,
			want:    ErrUnauthorized,
			wantOp:  "delete",
			operate: func(s *Store) error { return s.Delete(context.Background(), testDoc, "cam0") },
		},
		{
			name:    "ensure_timeout",
			getErr:  ErrTimeout,
			want:    ErrTimeout,
			wantOp:  "ensure",
			operate: func(s *Store) error { return s.EnsureExists(context.Background(), testDoc) },
		},
		{
			name:    "ensure_write_unauthorized",
			getErr:  ErrNotFound,
			updErr:  ErrUnauthorized,
			want:    ErrUnauthorized,
			wantOp:  "ensure",
			operate: func(s *Store) error { return s.EnsureExists(context.Background(), testDoc) },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewMemoryService()
			svc.FailWith(tc.getErr, tc.updErr)
			store := NewStore(svc, time.Second)

			err := tc.operate(store)

			assert.ErrorIs(t, err, tc.want)
			var shadowErr *Error
			require.ErrorAs(t, err, &shadowErr)
			assert.Equal(t, tc.wantOp, shadowErr.Op)
			assert.Equal(t, testDoc, shadowErr.Document)
		})
	}
}

// slowService blocks until the caller's deadline.
type slowService struct{}

func (slowService) Get(ctx context.Context, _ string) (Document, error) {
	<-ctx.Done()
	return Document{}, ctx.Err()
}

func (slowService) Update(ctx context.Context, _ string, _ Partition, _ PipelineSet) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStore_RoundTripBoundedByTimeout(t *testing.T) {
	store := NewStore(slowService{}, 20*time.Millisecond)

	start := time.Now()
	err := store.Upsert(context.Background(), testDoc, "cam0", "x")

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStore_UnknownRejectionPassesThrough(t *testing.T) {
	svc := NewMemoryService()
	svc.FailWith(rejection(500, "internal"), nil)
	store := NewStore(svc, time.Second)

	_, err := store.Desired(context.Background(), testDoc)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, 500, rejected.Code)
}

func TestPipelineSet(t *testing.T) {
	set := PipelineSet{{StreamID: "a", Definition: "1"}}

	withB := set.With(StreamPipeline{StreamID: "b", Definition: "2"})
	assert.Len(t, set, 1, "With must not mutate the receiver")
	assert.Len(t, withB, 2)

	without, found := withB.Without("a")
	assert.True(t, found)
	assert.Equal(t, PipelineSet{{StreamID: "b", Definition: "2"}}, without)

	_, found = without.Without("zzz")
	assert.False(t, found)

	assert.True(t, withB.Equal(PipelineSet{{StreamID: "b", Definition: "2"}, {StreamID: "a", Definition: "1"}}))
	assert.False(t, withB.Equal(set))
}
