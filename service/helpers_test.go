package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vidfab-server/config"
	"vidfab-server/lock"
	"vidfab-server/models"
	"vidfab-server/provider"
	"vidfab-server/queue"
	"vidfab-server/storage"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const musicURL = "https://cdn.test/music/preset.mp3"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "service.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.Migrate(db))
	return db
}

type recordedJob struct {
	Type    string
	Key     string
	Payload any
}

// recordingQueue stores enqueued jobs without running them. Keys are coalesced
// like the real drivers do.
type recordingQueue struct {
	mu        sync.Mutex
	jobs      []recordedJob
	keys      map[string]bool
	schedules []string
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{keys: make(map[string]bool)}
}

func (q *recordingQueue) Enqueue(_ context.Context, jobType string, payload any, opts ...queue.Option) (*queue.Enqueued, error) {
	var o queue.EnqueueOptions
	for _, fn := range opts {
		fn(&o)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if o.Key != "" && q.keys[o.Key] {
		return &queue.Enqueued{JobID: o.Key, Duplicate: true}, nil
	}
	if o.Key != "" {
		q.keys[o.Key] = true
	}
	q.jobs = append(q.jobs, recordedJob{Type: jobType, Key: o.Key, Payload: payload})
	return &queue.Enqueued{JobID: fmt.Sprintf("job-%d", len(q.jobs))}, nil
}

func (q *recordingQueue) Handle(string, queue.Handler) {}

func (q *recordingQueue) Schedule(spec, jobType string, _ any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.schedules = append(q.schedules, spec+" "+jobType)
	return nil
}

func (q *recordingQueue) Start(context.Context) error { return nil }

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) ofType(jobType string) []recordedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []recordedJob
	for _, j := range q.jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

type fakeScript struct {
	mu    sync.Mutex
	res   *provider.ScriptResult
	err   error
	calls int
}

func (f *fakeScript) AnalyzeScript(context.Context, provider.ScriptRequest) (*provider.ScriptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

type fakeImage struct {
	mu   sync.Mutex
	fail func(provider.ImageRequest) error
	reqs []provider.ImageRequest
}

func (f *fakeImage) GenerateImage(_ context.Context, r provider.ImageRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, r)
	if f.fail != nil {
		if err := f.fail(r); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("https://img.test/%d.png", len(f.reqs)), nil
}

func (f *fakeImage) requests() []provider.ImageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.ImageRequest(nil), f.reqs...)
}

type fakeVideo struct {
	name      string
	durations []int
	endFrame  bool

	mu          sync.Mutex
	submits     []provider.VideoRequest
	submitErr   error
	status      map[string]*provider.VideoStatus
	autoSucceed bool
	// onSubmit runs before a submission is accepted
	onSubmit func()
}

func newFakeVideo(name string, durations []int, endFrame bool) *fakeVideo {
	return &fakeVideo{name: name, durations: durations, endFrame: endFrame, status: make(map[string]*provider.VideoStatus)}
}

func (f *fakeVideo) Name() string              { return f.name }
func (f *fakeVideo) SupportedDurations() []int { return f.durations }
func (f *fakeVideo) SupportsEndFrame() bool    { return f.endFrame }

func (f *fakeVideo) Submit(_ context.Context, r provider.VideoRequest) (string, error) {
	if f.onSubmit != nil {
		f.onSubmit()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submits = append(f.submits, r)
	return fmt.Sprintf("%s-%d", f.name, len(f.submits)), nil
}

func (f *fakeVideo) Status(_ context.Context, id string) (*provider.VideoStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.status[id]; ok {
		return st, nil
	}
	if f.autoSucceed {
		return &provider.VideoStatus{State: provider.StateSucceeded, URL: "https://provider.test/" + id + ".mp4"}, nil
	}
	return &provider.VideoStatus{State: provider.StateRunning}, nil
}

func (f *fakeVideo) set(id string, st *provider.VideoStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = st
}

func (f *fakeVideo) submitted() []provider.VideoRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.VideoRequest(nil), f.submits...)
}

type fakeSpeech struct {
	mu    sync.Mutex
	err   error
	fail  map[string]bool
	calls [][]provider.SpeechItem
}

func (f *fakeSpeech) Synthesize(_ context.Context, items []provider.SpeechItem) ([]provider.SpeechResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, items)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]provider.SpeechResult, len(items))
	for i, it := range items {
		if f.fail[it.ID] {
			out[i] = provider.SpeechResult{ID: it.ID, Error: "voice unavailable"}
			continue
		}
		out[i] = provider.SpeechResult{ID: it.ID, Success: true, AudioURL: "https://tts.test/" + it.ID + ".mp3", Duration: 3}
	}
	return out, nil
}

type fakeRenderer struct {
	mu        sync.Mutex
	reqs      []provider.RenderRequest
	submitErr error
	// states are returned in order, the last one repeats
	states []*provider.RenderStatus
	polls  int
}

func (f *fakeRenderer) SubmitRender(_ context.Context, r provider.RenderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.reqs = append(f.reqs, r)
	return fmt.Sprintf("render-%d", len(f.reqs)), nil
}

func (f *fakeRenderer) RenderStatus(context.Context, string) (*provider.RenderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.states) == 0 {
		return &provider.RenderStatus{State: provider.StateSucceeded, URL: "https://render.test/final.mp4"}, nil
	}
	i := min(f.polls-1, len(f.states)-1)
	return f.states[i], nil
}

func (f *fakeRenderer) requests() []provider.RenderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.RenderRequest(nil), f.reqs...)
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStorage) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (*storage.Object, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = b
	return &storage.Object{Key: key, URL: "https://cdn.test/" + key, Size: int64(len(b))}, nil
}

func (s *memStorage) URL(_ context.Context, key string) (string, error) {
	return "https://cdn.test/" + key, nil
}

func (s *memStorage) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeFetcher) Open(_ context.Context, url string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	body := []byte("bytes of " + url)
	return io.NopCloser(bytes.NewReader(body)), int64(len(body)), nil
}

type harness struct {
	p        *Processor
	db       *gorm.DB
	q        *recordingQueue
	ledger   *Ledger
	script   *fakeScript
	image    *fakeImage
	standard *fakeVideo
	premium  *fakeVideo
	speech   *fakeSpeech
	render   *fakeRenderer
	store    *memStorage
	fetcher  *fakeFetcher
	locker   *lock.Local
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		SyncSchedule:           "@every 15s",
		SyncLockTTL:            time.Minute,
		ImageConcurrency:       2,
		RenderPollInterval:     time.Millisecond,
		RenderTimeout:          2 * time.Second,
		FadeSeconds:            0.5,
		TTSVoice:               "narrator",
		TTSSpeed:               1,
		Subtitles:              true,
		BackgroundMusicURL:     musicURL,
		MusicVolume:            0.3,
		DefaultRegenerateQuota: 2,
		ComposeMaxAttempts:     3,
	}
}

func testCredits() config.CreditsConfig {
	return config.CreditsConfig{Analysis: 2, Image: 1, ClipStandard: 5, ClipPremium: 8, Compose: 3}
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithQueue(t, nil)
}

// newHarnessWithQueue builds a processor over fakes. A nil q selects the
// recording queue.
func newHarnessWithQueue(t *testing.T, q queue.Queue) *harness {
	t.Helper()
	db := newTestDB(t)
	log := zaptest.NewLogger(t)
	h := &harness{
		db:       db,
		script:   &fakeScript{res: sixShotScript()},
		image:    &fakeImage{},
		standard: newFakeVideo("standard", []int{5, 10}, false),
		premium:  newFakeVideo("premium", []int{4, 6, 8}, true),
		speech:   &fakeSpeech{},
		render:   &fakeRenderer{},
		store:    &memStorage{objects: make(map[string][]byte)},
		fetcher:  &fakeFetcher{},
		locker:   lock.NewLocal(),
	}
	if q == nil {
		h.q = newRecordingQueue()
		q = h.q
	}
	h.ledger = NewLedger(db, log)
	h.p = NewProcessor(Deps{
		DB:      db,
		Queue:   q,
		Storage: h.store,
		Providers: Providers{
			Script:        h.script,
			Image:         h.image,
			StandardVideo: h.standard,
			PremiumVideo:  h.premium,
			Speech:        h.speech,
			Renderer:      h.render,
		},
		Fetcher:  h.fetcher,
		Ledger:   h.ledger,
		Locker:   h.locker,
		Pipeline: testPipelineConfig(),
		Credits:  testCredits(),
		Log:      log,
	})
	return h
}

func sixShotScript() *provider.ScriptResult {
	res := &provider.ScriptResult{
		Characters: []provider.ScriptCharacter{{Name: "Milo", Description: "a grey tabby cat"}},
	}
	for i := range 6 {
		res.Shots = append(res.Shots, provider.ScriptShot{
			ShotNumber:  i + 1,
			StartSec:    float64(i * 5),
			EndSec:      float64(i*5 + 5),
			Description: fmt.Sprintf("Shot #%d: Milo tries a kickflip", i+1),
			Narration:   fmt.Sprintf("Line %d.", i+1),
			Characters:  []string{"Milo"},
		})
	}
	return res
}

// newProject creates a funded 30 second comedy project.
func (h *harness) newProject(t *testing.T, mods ...func(*CreateProjectInput)) *models.Project {
	t.Helper()
	in := CreateProjectInput{
		UserID:          "user-1",
		Script:          "Milo the cat learns to skateboard.",
		DurationSeconds: 30,
		Style:           "comedy",
		AspectRatio:     "16:9",
	}
	for _, m := range mods {
		m(&in)
	}
	proj, err := h.p.CreateProject(context.Background(), in)
	require.NoError(t, err)
	_, err = h.ledger.Grant(context.Background(), in.UserID, 1000, "test grant")
	require.NoError(t, err)
	return proj
}

// storyboarded analyzes the project and gives every shot an image.
func (h *harness) storyboarded(t *testing.T, proj *models.Project) []models.Shot {
	t.Helper()
	ctx := context.Background()
	_, err := h.p.AnalyzeScript(ctx, proj.ID, false)
	require.NoError(t, err)
	shots, err := models.ListShots(ctx, h.db, proj.ID)
	require.NoError(t, err)
	for i := range shots {
		shots[i].ImageURL = fmt.Sprintf("https://img.test/shot-%d.png", shots[i].ShotNumber)
		require.NoError(t, models.SetShotImage(ctx, h.db, shots[i].ID, shots[i].ImageURL))
	}
	return shots
}

// generating starts a clip for every shot.
func (h *harness) generating(t *testing.T, proj *models.Project, shots []models.Shot) []*models.VideoClip {
	t.Helper()
	clips := make([]*models.VideoClip, len(shots))
	for i, s := range shots {
		c, err := h.p.StartClip(context.Background(), proj.ID, s.ID, false)
		require.NoError(t, err)
		require.Equal(t, models.ClipStatusGenerating, c.Status)
		clips[i] = c
	}
	return clips
}

func (h *harness) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (h *harness) reload(t *testing.T, id string) *models.Project {
	t.Helper()
	p, err := models.GetProject(context.Background(), h.db, id)
	require.NoError(t, err)
	return p
}

func keysOf(jobs []recordedJob) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.Key
	}
	return out
}
