package convo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quill/internal/state"
	"github.com/ShayCichocki/quill/pkg/models"
)

func openDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "quill.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *state.DB, id string, messages int) *models.SessionState {
	t.Helper()
	ctx := context.Background()
	s := models.NewSessionState(id, "book-1")
	s.CurrentWorkflow = "publication"
	s.CurrentStep = "structure"
	s.Status = models.SessionInProgress
	s.Set(models.KeyHasResearch, true)
	s.Set(models.KeyHasDesign, true)
	require.NoError(t, db.CreateSession(ctx, s))

	for i := 0; i < messages; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		_, err := db.AppendMessage(ctx, id, role, fmt.Sprintf("message %d", i), nil)
		require.NoError(t, err)
	}
	return s
}

type fakeSummarizer struct {
	calls   atomic.Int32
	reply   string
	err     error
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *fakeSummarizer) Complete(_ context.Context, _ string, msgs []models.Message) (string, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.release != nil {
		<-f.release
	}
	return f.reply, f.err
}

func TestBuild(t *testing.T) {
	db := openDB(t)
	seed(t, db, "sess-1", 12)
	require.NoError(t, db.SetSummary(context.Background(), "sess-1", "A book about owls.", 0))

	a := New(db, nil)
	cctx, err := a.Build(context.Background(), "sess-1")
	require.NoError(t, err)

	require.Len(t, cctx.Recent, DefaultRecentMessages)
	assert.Equal(t, "message 2", cctx.Recent[0].Content)
	assert.Equal(t, "message 11", cctx.Recent[9].Content)
	assert.Equal(t, "structure", cctx.Step)
	assert.Equal(t, "publication", cctx.Workflow)
	assert.Equal(t, "A book about owls.", cctx.Summary)
	assert.Equal(t, models.Flags{Research: true, Design: true}, cctx.Flags)
}

func TestBuild_Window(t *testing.T) {
	db := openDB(t)
	seed(t, db, "sess-1", 6)

	a := New(db, nil, WithConfig(Config{RecentMessages: 3}))
	cctx, err := a.Build(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, cctx.Recent, 3)
	assert.Equal(t, "message 3", cctx.Recent[0].Content)
}

func TestBuild_UnknownSession(t *testing.T) {
	a := New(openDB(t), nil)
	_, err := a.Build(context.Background(), "missing")
	assert.ErrorIs(t, err, state.ErrSessionNotFound)
}

func TestMaybeSummarize_OnlyAtMultiples(t *testing.T) {
	db := openDB(t)
	seed(t, db, "sess-1", 3)
	sum := &fakeSummarizer{reply: "  summary text \n"}
	a := New(db, sum, WithConfig(Config{SummaryEvery: 4}))

	a.MaybeSummarize("sess-1")
	a.Wait()
	assert.Equal(t, int32(0), sum.calls.Load(), "3 messages is not a multiple of 4")

	_, err := db.AppendMessage(context.Background(), "sess-1", models.RoleUser, "fourth", nil)
	require.NoError(t, err)

	a.MaybeSummarize("sess-1")
	a.Wait()
	assert.Equal(t, int32(1), sum.calls.Load())

	s, err := db.GetState(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "summary text", s.Summary)
}

func TestMaybeSummarize_CrossesMultiplesFromOddCount(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	seed(t, db, "sess-1", 19)
	sum := &fakeSummarizer{reply: "rolling"}
	a := New(db, sum, WithConfig(Config{SummaryEvery: 20}))

	// Every turn adds a user and an assistant message, so from 19 the
	// count only ever takes odd values: 21, 23, ..., 79.
	for turn := 0; turn < 30; turn++ {
		_, err := db.AppendMessage(ctx, "sess-1", models.RoleUser, "question", nil)
		require.NoError(t, err)
		_, err = db.AppendMessage(ctx, "sess-1", models.RoleAssistant, "answer", nil)
		require.NoError(t, err)
		a.MaybeSummarize("sess-1")
		a.Wait()
	}

	assert.Equal(t, int32(3), sum.calls.Load(), "one summary each for crossing 20, 40 and 60")
	s, err := db.GetState(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "rolling", s.Summary)
	assert.Equal(t, 61, s.SummaryCount)
}

func TestMaybeSummarize_NotRepeatedWithinOneInterval(t *testing.T) {
	db := openDB(t)
	seed(t, db, "sess-1", 20)
	sum := &fakeSummarizer{reply: "once"}
	a := New(db, sum, WithConfig(Config{SummaryEvery: 20}))

	a.MaybeSummarize("sess-1")
	a.Wait()
	a.MaybeSummarize("sess-1")
	a.Wait()

	assert.Equal(t, int32(1), sum.calls.Load())
}

func TestMaybeSummarize_Disabled(t *testing.T) {
	db := openDB(t)
	seed(t, db, "sess-1", 4)
	sum := &fakeSummarizer{reply: "x"}

	New(db, nil, WithConfig(Config{SummaryEvery: 2})).MaybeSummarize("sess-1")

	a := New(db, sum, WithConfig(Config{SummaryEvery: 0}))
	a.MaybeSummarize("sess-1")
	a.Wait()
	assert.Equal(t, int32(0), sum.calls.Load())
}

func TestMaybeSummarize_FailureIsReported(t *testing.T) {
	db := openDB(t)
	seed(t, db, "sess-1", 2)
	boom := errors.New("model down")
	var observed error
	a := New(db, &fakeSummarizer{err: boom},
		WithConfig(Config{SummaryEvery: 2}),
		WithSummaryObserver(func(_ string, err error) { observed = err }))

	a.MaybeSummarize("sess-1")
	a.Wait()

	assert.ErrorIs(t, observed, boom)
	s, err := db.GetState(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Empty(t, s.Summary, "a failed regeneration keeps the previous summary")
}

// memStore is a minimal Store whose message count is fixed.
type memStore struct {
	mu      sync.Mutex
	session *models.SessionState
	count   int
}

func (m *memStore) GetState(context.Context, string) (*models.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone(), nil
}

func (m *memStore) RecentMessages(context.Context, string, int) ([]models.Message, error) {
	return []models.Message{{Role: models.RoleUser, Content: "hello"}}, nil
}

func (m *memStore) CountMessages(context.Context, string) (int, error) {
	return m.count, nil
}

func (m *memStore) SetSummary(_ context.Context, _ string, summary string, atCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Summary = summary
	m.session.SummaryCount = atCount
	return nil
}

func TestMaybeSummarize_DeduplicatesAndNeverBlocks(t *testing.T) {
	store := &memStore{session: models.NewSessionState("sess-1", ""), count: 20}
	sum := &fakeSummarizer{
		reply:   "deduped",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	a := New(store, sum)

	returned := make(chan struct{})
	go func() {
		a.MaybeSummarize("sess-1")
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("MaybeSummarize blocked the caller")
	}

	<-sum.started
	for i := 0; i < 4; i++ {
		a.MaybeSummarize("sess-1")
	}
	// Give the extra triggers time to join the in-flight call.
	time.Sleep(100 * time.Millisecond)
	close(sum.release)
	a.Wait()

	assert.Equal(t, int32(1), sum.calls.Load())
	assert.Equal(t, "deduped", store.session.Summary)
}
