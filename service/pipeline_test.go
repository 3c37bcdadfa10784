package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"vidfab-server/apperr"
	"vidfab-server/models"
	"vidfab-server/provider"
	"vidfab-server/storage"

	"github.com/stretchr/testify/require"
)

func TestStartClipPersistsHandleOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proj := h.newProject(t)
	shots := h.storyboarded(t, proj)

	clip, err := h.p.StartClip(ctx, proj.ID, shots[0].ID, false)
	require.NoError(t, err)
	require.Equal(t, models.ClipStatusGenerating, clip.Status)
	require.Equal(t, "standard", clip.Provider)
	require.Equal(t, "standard-1", clip.ProviderRequestID)
	require.Equal(t, 5, clip.DurationSeconds)
	require.NoError(t, clip.Validate())

	sub := h.standard.submitted()
	require.Len(t, sub, 1)
	require.Equal(t, shots[0].ImageURL, sub[0].Image)
	require.Empty(t, sub[0].EndImage)
	require.Equal(t, "1280x720", sub[0].Resolution)
	require.Equal(t, shots[0].Prompt, sub[0].Prompt)

	again, err := h.p.StartClip(ctx, proj.ID, shots[0].ID, false)
	require.NoError(t, err)
	require.Equal(t, clip.ProviderRequestID, again.ProviderRequestID)
	require.Len(t, h.standard.submitted(), 1)

	require.Equal(t, int64(1000-2-5), h.balance(t, "user-1"))
	require.Equal(t, models.StageStatusProcessing, h.reload(t, proj.ID).StageVideo)
}

func TestStartClipNarratedUsesEndFrameAndRounds(t *testing.T) {
	h := newHarness(t)
	proj := h.newProject(t, func(in *CreateProjectInput) { in.NarrationEnabled = true })
	shots := h.storyboarded(t, proj)

	h.generating(t, proj, shots)
	sub := h.premium.submitted()
	require.Len(t, sub, 6)
	require.Empty(t, h.standard.submitted())
	for i, r := range sub {
		require.Equal(t, 6, r.DurationSeconds, "5s rounds up to 6 on a {4,6,8} provider")
		if i < 5 {
			require.Equal(t, shots[i+1].ImageURL, r.EndImage)
		} else {
			require.Empty(t, r.EndImage)
		}
	}
	require.Equal(t, int64(1000-2-6*8), h.balance(t, "user-1"))
}

func TestStartClipSubmissionFailures(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		last       bool
		wantStatus string
	}{
		{"terminal", apperr.Terminal("video.submit", "bad image"), false, models.ClipStatusFailed},
		{"transient with attempts left", apperr.Transient("video.submit", errors.New("502")), false, models.ClipStatusQueued},
		{"transient on last attempt", apperr.Transient("video.submit", errors.New("502")), true, models.ClipStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			proj := h.newProject(t)
			shots := h.storyboarded(t, proj)
			h.standard.submitErr = tc.err

			_, err := h.p.StartClip(ctx, proj.ID, shots[0].ID, tc.last)
			require.Error(t, err)
			require.Equal(t, apperr.Retryable(tc.err), apperr.Retryable(err))

			clip, err := models.GetClipByShot(ctx, h.db, shots[0].ID)
			require.NoError(t, err)
			require.Equal(t, tc.wantStatus, clip.Status)
			require.NoError(t, clip.Validate())
			require.Equal(t, int64(1000-2), h.balance(t, "user-1"))
		})
	}
}

func TestStartClipRefundsWhenHandleCannotBeStored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proj := h.newProject(t)
	shots := h.storyboarded(t, proj)
	h.standard.onSubmit = func() {
		require.NoError(t, h.db.Exec("ALTER TABLE video_clip RENAME TO video_clip_moved").Error)
	}

	_, err := h.p.StartClip(ctx, proj.ID, shots[0].ID, false)
	require.Error(t, err)
	require.True(t, apperr.Retryable(err))
	require.Equal(t, int64(1000-2), h.balance(t, "user-1"))

	h.standard.onSubmit = nil
	require.NoError(t, h.db.Exec("ALTER TABLE video_clip_moved RENAME TO video_clip").Error)
	clip, err := h.p.StartClip(ctx, proj.ID, shots[0].ID, false)
	require.NoError(t, err)
	require.Equal(t, models.ClipStatusGenerating, clip.Status)
	require.Equal(t, int64(1000-2-5), h.balance(t, "user-1"))
}

func TestStartClipWithoutCredits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proj := h.newProject(t)
	shots := h.storyboarded(t, proj)
	require.True(t, h.ledger.Deduct(ctx, "user-1", h.balance(t, "user-1"), "spent elsewhere", "drain").Success)

	_, err := h.p.StartClip(ctx, proj.ID, shots[0].ID, false)
	require.True(t, apperr.Is(err, apperr.KindInsufficientCredits))
	clip, err := models.GetClipByShot(ctx, h.db, shots[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.ClipStatusFailed, clip.Status)
	require.Empty(t, h.standard.submitted())
}

func TestStartClipRequiresStoryboardImage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proj := h.newProject(t)
	_, err := h.p.AnalyzeScript(ctx, proj.ID, false)
	require.NoError(t, err)
	shots, err := models.ListShots(ctx, h.db, proj.ID)
	require.NoError(t, err)

	_, err = h.p.StartClip(ctx, proj.ID, shots[0].ID, false)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRetryClipSpendsQuotaExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proj := h.newProject(t)
	shots := h.storyboarded(t, proj)
	h.generating(t, proj, shots[:1])

	h.standard.set("standard-1", &provider.VideoStatus{State: provider.StateFailed, Error: "nsfw"})
	report, err := h.p.SyncProject(ctx, proj.ID)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.False(t, report.AllTerminal)

	failed, err := models.GetClipByShot(ctx, h.db, shots[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.ClipStatusFailed, failed.Status)
	require.Equal(t, "nsfw", *failed.ErrorMessage)
	require.NoError(t, failed.Validate())
	require.Equal(t, int64(1000-2), h.balance(t, "user-1"), "failed clip is refunded")
	require.Empty(t, h.q.ofType(JobClip), "provider failure is not retried automatically")

	retried, err := h.p.RetryClip(ctx, proj.ID, shots[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.ClipStatusQueued, retried.Status)
	require.Equal(t, failed.RetryCount+1, retried.RetryCount)
	require.Nil(t, retried.ErrorMessage)
	require.Equal(t, 1, h.reload(t, proj.ID).RegenerateQuotaRemaining)
	require.Contains(t, keysOf(h.q.ofType(JobClip)), "clip:"+proj.ID+":"+shots[0].ID+":1")

	_, err = h.p.RetryClip(ctx, proj.ID, shots[0].ID)
	require.True(t, apperr.Is(err, apperr.KindConflict))
	require.Equal(t, 1, h.reload(t, proj.ID).RegenerateQuotaRemaining)

	_, err = h.p.StartClip(ctx, proj.ID, shots[0].ID, false)
	require.NoError(t, err)
	h.standard.set("standard-2", &provider.VideoStatus{State: provider.StateFailed, Error: "nsfw again"})
	_, err = h.p.SyncProject(ctx, proj.ID)
	require.NoError(t, err)
	require.NoError(t, models.UpdateProjectColumns(ctx, h.db, proj.ID, map[string]any{"regenerate_quota_remaining": 0}))
	before, err := models.GetClipByShot(ctx, h.db, shots[0].ID)
	require.NoError(t, err)

	_, err = h.p.RetryClip(ctx, proj.ID, shots[0].ID)
	require.True(t, apperr.Is(err, apperr.KindQuotaExhausted))
	after, err := models.GetClipByShot(ctx, h.db, shots[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.ClipStatusFailed, after.Status)
	require.Equal(t, before.RetryCount, after.RetryCount)
	require.Equal(t, *before.ErrorMessage, *after.ErrorMessage)
	require.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	require.Equal(t, 0, h.reload(t, proj.ID).RegenerateQuotaRemaining)
}

func TestSyncCompletesStageAndEnqueuesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proj := h.newProject(t)
	shots := h.storyboarded(t, proj)
	h.generating(t, proj, shots)
	h.standard.autoSucceed = true

	report, err := h.p.SyncProject(ctx, proj.ID)
	require.NoError(t, err)
	require.Equal(t, 6, report.Polled)
	require.Equal(t, 6, report.Succeeded)
	require.True(t, report.AllTerminal)
	require.True(t, report.StageFlipped)
	require.True(t, report.ComposeEnqueued)
	require.Equal(t, models.StageStatusCompleted, h.reload(t, proj.ID).StageVideo)

	downloads := h.q.ofType(JobDownload)
	require.Len(t, downloads, 6)
	for i, s := range shots {
		require.Equal(t, "download:"+proj.ID+":"+s.ID, downloads[i].Key)
	}
	compose := h.q.ofType(JobCompose)
	require.Len(t, compose, 1)
	require.True(t, strings.HasPrefix(compose[0].Key, "compose:"+proj.ID+":"))

	again, err := h.p.SyncProject(ctx, proj.ID)
	require.NoError(t, err)
	require.Zero(t, again.Polled)
	require.True(t, again.AllTerminal)
	require.False(t, again.StageFlipped)
	require.False(t, again.ComposeEnqueued)
	require.Len(t, h.q.ofType(JobDownload), 6)
	require.Len(t, h.q.ofType(JobCompose), 1)

	clips, err := models.ListClips(ctx, h.db, proj.ID)
	require.NoError(t, err)
	for _, c := range clips {
		require.NoError(t, c.Validate())
		require.Equal(t, "https://provider.test/"+c.ProviderRequestID+".mp4", c.ExternalURL)
	}
}

func TestSyncPendingAndLocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proj := h.newProject(t)
	shots := h.storyboarded(t, proj)
	h.generating(t, proj, shots)

	report, err := h.p.SyncProject(ctx, proj.ID)
	require.NoError(t, err)
	require.Equal(t, 6, report.Pending)
	require.False(t, report.AllTerminal)
	require.Empty(t, h.q.ofType(JobCompose))

	release, ok, err := h.locker.TryLock(ctx, "sync:"+proj.ID, testPipelineConfig().SyncLockTTL)
	require.NoError(t, err)
	require.True(t, ok)
	report, err = h.p.SyncProject(ctx, proj.ID)
	require.NoError(t, err)
	require.True(t, report.Skipped)
	release()

	reports, err := h.p.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.False(t, reports[0].Skipped)
}

func TestSyncAllSettlesClipFailedAtSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proj := h.newProject(t)
	shots := h.storyboarded(t, proj)
	h.generating(t, proj, shots[:5])
	h.standard.autoSucceed = true

	reports, err := h.p.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, 5, reports[0].Succeeded)
	require.False(t, reports[0].AllTerminal)

	h.standard.submitErr = apperr.Terminal("video.submit", "image rejected")
	_, err = h.p.StartClip(ctx, proj.ID, shots[5].ID, true)
	require.Error(t, err)

	reports, err = h.p.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Zero(t, reports[0].Polled)
	require.True(t, reports[0].AllTerminal)
	require.True(t, reports[0].StageFlipped)
	require.True(t, reports[0].ComposeEnqueued)
	require.Equal(t, models.StageStatusCompleted, h.reload(t, proj.ID).StageVideo)
	require.Len(t, h.q.ofType(JobCompose), 1)

	reports, err = h.p.SyncAll(ctx)
	require.NoError(t, err)
	require.Empty(t, reports)
}

func TestDownloadClipCopiesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proj := h.newProject(t)
	shots := h.storyboarded(t, proj)
	h.generating(t, proj, shots[:1])
	h.standard.autoSucceed = true
	_, err := h.p.SyncProject(ctx, proj.ID)
	require.NoError(t, err)

	clip, err := h.p.DownloadClip(ctx, proj.ID, shots[0].ID)
	require.NoError(t, err)
	key := storage.ClipKey(proj.ID, shots[0].ID)
	require.Equal(t, "https://cdn.test/"+key, clip.StorageURL)
	body, ok := h.store.get(key)
	require.True(t, ok)
	require.Equal(t, "bytes of https://provider.test/standard-1.mp4", string(body))

	_, err = h.p.DownloadClip(ctx, proj.ID, shots[0].ID)
	require.NoError(t, err)
	require.Len(t, h.fetcher.calls, 1)

	stored, err := models.GetClipByShot(ctx, h.db, shots[0].ID)
	require.NoError(t, err)
	require.Equal(t, clip.StorageURL, stored.PlayableURL())
}

// composeReady drives a project to the point where every clip is terminal.
// Shots whose number is in failShots end up failed.
func composeReady(t *testing.T, h *harness, proj *models.Project, vp *fakeVideo, failShots ...int) []models.Shot {
	t.Helper()
	shots := h.storyboarded(t, proj)
	h.generating(t, proj, shots)
	for _, n := range failShots {
		vp.set(vp.name+"-"+strconv.Itoa(n), &provider.VideoStatus{State: provider.StateFailed, Error: "provider rejected prompt"})
	}
	vp.autoSucceed = true
	report, err := h.p.SyncProject(context.Background(), proj.ID)
	require.NoError(t, err)
	require.True(t, report.AllTerminal)
	require.Equal(t, models.StageStatusCompleted, h.reload(t, proj.ID).StageVideo)
	return shots
}

func TestComposeSixClipsWithMusic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proj := h.newProject(t)
	composeReady(t, h, proj, h.standard)

	out, err := h.p.Compose(ctx, proj.ID, ComposeRun{Attempt: 1})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6}, out.ShotNumbers)
	require.InDelta(t, 30, out.Duration, 0.001)

	reqs := h.render.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	require.Equal(t, "16:9", req.AspectRatio)
	require.Len(t, req.Clips, 6)
	for i, c := range req.Clips {
		require.InDelta(t, 5, c.Duration, 0.001)
		require.InDelta(t, float64(i*5), c.Start, 0.001)
		require.Equal(t, "fade", c.TransitionIn)
		require.Equal(t, "fade", c.TransitionOut)
		require.InDelta(t, 0.5, c.FadeSeconds, 0.001)
	}
	require.NotNil(t, req.Music)
	require.Equal(t, musicURL, req.Music.URL)
	require.InDelta(t, 30, req.Music.Duration, 0.001)
	require.Empty(t, req.Narration)
	require.Empty(t, req.SubtitlesURL)

	got := h.reload(t, proj.ID)
	require.Equal(t, models.ProjectStatusCompleted, got.Status)
	require.Equal(t, "https://cdn.test/"+storage.FinalVideoKey(proj.ID), got.FinalVideoURL)
	require.Equal(t, int64(len("bytes of https://render.test/final.mp4")), got.FinalVideoSize)
	require.Equal(t, "1920x1080", got.FinalVideoResolution)
	require.Equal(t, models.StageStatusCompleted, got.StageCompose)
	require.Equal(t, models.StageStatusCompleted, got.StageAudio)
	require.Equal(t, int64(1000-2-6*5-3), h.balance(t, "user-1"))

	again, err := h.p.Compose(ctx, proj.ID, ComposeRun{Attempt: 1})
	require.NoError(t, err)
	require.True(t, again.Skipped)
	require.Len(t, h.render.requests(), 1)
}

func TestComposeOmitsFailedShotWithoutRenumbering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proj := h.newProject(t)
	composeReady(t, h, proj, h.standard, 3)

	out, err := h.p.Compose(ctx, proj.ID, ComposeRun{Attempt: 1})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 4, 5, 6}, out.ShotNumbers)
	require.InDelta(t, 25, out.Duration, 0.001)

	req := h.render.requests()[0]
	require.Len(t, req.Clips, 5)
	for i, c := range req.Clips {
		require.InDelta(t, float64(i*5), c.Start, 0.001)
		require.NotContains(t, c.URL, "standard-3")
	}
	require.InDelta(t, 25, req.Music.Duration, 0.001)
	require.Equal(t, models.ProjectStatusCompleted, h.reload(t, proj.ID).Status)
}

func TestComposeRequiresVideoStage(t *testing.T) {
	h := newHarness(t)
	proj := h.newProject(t)
	h.storyboarded(t, proj)

	_, err := h.p.Compose(context.Background(), proj.ID, ComposeRun{Attempt: 1})
	require.True(t, apperr.Is(err, apperr.KindConflict))
	require.Empty(t, h.render.requests())
}

func TestComposeWithNoSuccessfulClipsFailsProject(t *testing.T) {
	h := newHarness(t)
	proj := h.newProject(t)
	composeReady(t, h, proj, h.standard, 1, 2, 3, 4, 5, 6)

	_, err := h.p.Compose(context.Background(), proj.ID, ComposeRun{Attempt: 1})
	require.True(t, apperr.Is(err, apperr.KindValidation))
	got := h.reload(t, proj.ID)
	require.Equal(t, models.ProjectStatusFailed, got.Status)
	require.Equal(t, models.StageStatusFailed, got.StageCompose)
}

func TestComposeRenderFailureRefundsAndRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proj := h.newProject(t)
	composeReady(t, h, proj, h.standard)
	before := h.balance(t, "user-1")
	h.render.states = []*provider.RenderStatus{
		{State: provider.StateRunning},
		{State: provider.StateFailed, Error: "encoder crashed"},
	}

	_, err := h.p.Compose(ctx, proj.ID, ComposeRun{Attempt: 1})
	require.Error(t, err)
	require.True(t, apperr.Retryable(err))
	require.Contains(t, err.Error(), "encoder crashed")
	require.Equal(t, before, h.balance(t, "user-1"))
	require.Equal(t, models.ProjectStatusProcessing, h.reload(t, proj.ID).Status)

	_, err = h.p.Compose(ctx, proj.ID, ComposeRun{Attempt: 3, Last: true})
	require.Error(t, err)
	got := h.reload(t, proj.ID)
	require.Equal(t, models.ProjectStatusFailed, got.Status)
	require.Equal(t, models.StageStatusFailed, got.StageCompose)
	require.Empty(t, got.FinalVideoURL)
	require.Equal(t, before, h.balance(t, "user-1"))
}

func TestComposeNarrationToleratesItemFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	proj := h.newProject(t, func(in *CreateProjectInput) { in.NarrationEnabled = true })
	shots := composeReady(t, h, proj, h.premium)
	h.speech.fail = map[string]bool{shots[1].ID: true}

	out, err := h.p.Compose(ctx, proj.ID, ComposeRun{Attempt: 1})
	require.NoError(t, err)
	require.False(t, out.AudioDegraded)
	require.InDelta(t, 36, out.Duration, 0.001)

	require.Len(t, h.speech.calls, 1)
	require.Len(t, h.speech.calls[0], 6)
	require.Equal(t, "narrator", h.speech.calls[0][0].Voice)
	require.Equal(t, "Line 1.", h.speech.calls[0][0].Text)

	req := h.render.requests()[0]
	require.Nil(t, req.Music, "narration and music are exclusive")
	require.Len(t, req.Narration, 5)
	for _, tr := range req.Narration {
		require.NotContains(t, tr.URL, shots[1].ID)
		require.InDelta(t, 3, tr.Duration, 0.001)
	}
	require.InDelta(t, 12, req.Narration[1].Start, 0.001)

	require.NotEmpty(t, req.SubtitlesURL)
	key := strings.TrimPrefix(req.SubtitlesURL, "https://cdn.test/")
	srt, ok := h.store.get(key)
	require.True(t, ok)
	require.Contains(t, string(srt), "1\n00:00:00,000 --> 00:00:06,000\nLine 1.\n")
	require.Contains(t, string(srt), "2\n00:00:06,000 --> 00:00:12,000\nLine 2.\n")
	require.Equal(t, models.StageStatusCompleted, h.reload(t, proj.ID).StageAudio)
}

func TestComposeNarrationOutageDegrades(t *testing.T) {
	h := newHarness(t)
	proj := h.newProject(t, func(in *CreateProjectInput) { in.NarrationEnabled = true })
	composeReady(t, h, proj, h.premium)
	h.speech.err = apperr.Transient("tts", errors.New("503"))

	out, err := h.p.Compose(context.Background(), proj.ID, ComposeRun{Attempt: 1})
	require.NoError(t, err)
	require.True(t, out.AudioDegraded)
	require.Empty(t, h.render.requests()[0].Narration)
	got := h.reload(t, proj.ID)
	require.Equal(t, models.StageStatusFailed, got.StageAudio)
	require.Equal(t, models.ProjectStatusCompleted, got.Status)
}

func TestComposeMutedHasNoAudio(t *testing.T) {
	h := newHarness(t)
	proj := h.newProject(t, func(in *CreateProjectInput) { in.MuteBGM = true })
	composeReady(t, h, proj, h.standard)

	_, err := h.p.Compose(context.Background(), proj.ID, ComposeRun{Attempt: 1})
	require.NoError(t, err)
	req := h.render.requests()[0]
	require.Nil(t, req.Music)
	require.Empty(t, req.Narration)
}

func TestBuildSRT(t *testing.T) {
	srt := buildSRT([]subtitleCue{
		{Start: 0, End: 5, Text: "Hello."},
		{Start: 5, End: 5, Text: "skipped, empty range"},
		{Start: 5, End: 10, Text: "  "},
		{Start: 3661.5, End: 3662.25, Text: "Late line."},
	})
	require.Equal(t, "1\n00:00:00,000 --> 00:00:05,000\nHello.\n\n"+
		"2\n01:01:01,500 --> 01:01:02,250\nLate line.\n\n", srt)
}

func TestClipFingerprintTracksRetries(t *testing.T) {
	clips := []models.VideoClip{
		{ID: "a", ShotNumber: 2, Status: models.ClipStatusSuccess},
		{ID: "b", ShotNumber: 1, Status: models.ClipStatusFailed},
	}
	fp := clipFingerprint(clips)
	require.Equal(t, fp, clipFingerprint([]models.VideoClip{clips[1], clips[0]}))

	clips[0].StorageURL = "https://cdn.test/x.mp4"
	require.Equal(t, fp, clipFingerprint(clips), "storage copies do not change the fingerprint")

	clips[1].RetryCount = 1
	require.NotEqual(t, fp, clipFingerprint(clips))
}

func TestAllTerminal(t *testing.T) {
	shots := []models.Shot{{ID: "s1"}, {ID: "s2"}}
	require.False(t, allTerminal(nil, nil))
	require.False(t, allTerminal(shots, []models.VideoClip{{ShotID: "s1", Status: models.ClipStatusSuccess}}))
	require.False(t, allTerminal(shots, []models.VideoClip{
		{ShotID: "s1", Status: models.ClipStatusSuccess},
		{ShotID: "s2", Status: models.ClipStatusGenerating},
	}))
	require.True(t, allTerminal(shots, []models.VideoClip{
		{ShotID: "s1", Status: models.ClipStatusSuccess},
		{ShotID: "s2", Status: models.ClipStatusFailed},
	}))
}
