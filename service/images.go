package service

import (
	"context"
	"fmt"

	"vidfab-server/apperr"
	"vidfab-server/models"
	"vidfab-server/provider"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ItemResult struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// BatchReport 批量阶段中每一项的结果
type BatchReport struct {
	Stage     models.Stage `json:"stage"`
	Items     []ItemResult `json:"items"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
}

func (r *BatchReport) Summary() string {
	return fmt.Sprintf("%s: %d ok, %d failed", r.Stage, r.Succeeded, r.Failed)
}

// Err 有任一项失败时返回 PartialBatch 错误
func (r *BatchReport) Err() error {
	if r.Failed == 0 {
		return nil
	}
	return apperr.New(apperr.KindPartialBatch, "batch."+string(r.Stage), "%d of %d items failed", r.Failed, len(r.Items))
}

func (r *BatchReport) tally() {
	r.Succeeded, r.Failed = 0, 0
	for _, it := range r.Items {
		if it.Error != "" {
			r.Failed++
		} else {
			r.Succeeded++
		}
	}
}

func (r *BatchReport) stageStatus() string {
	if len(r.Items) > 0 && r.Succeeded == 0 {
		return models.StageStatusFailed
	}
	return models.StageStatusCompleted
}

// GenerateCharacterImages 为每个角色生成一张参考图
// ids 为空表示全部角色，单项失败不影响其他项
func (p *Processor) GenerateCharacterImages(ctx context.Context, projectID string, ids []string) (*BatchReport, error) {
	proj, err := models.GetProject(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	chars, err := models.ListCharacters(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	chars = filterByID(chars, ids, func(c models.Character) string { return c.ID })
	if err := models.SetStage(ctx, p.DB, projectID, models.StageCharacters, models.StageStatusProcessing); err != nil {
		return nil, err
	}

	report := &BatchReport{Stage: models.StageCharacters, Items: make([]ItemResult, len(chars))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.imageConcurrency())
	for i := range chars {
		c := chars[i]
		g.Go(func() error {
			item := ItemResult{ID: c.ID, Name: c.Name}
			var sources []string
			if n := len(c.Images); n > 0 {
				sources = []string{c.Images[n-1].URL}
			}
			url, err := p.chargedImage(gctx, proj, "character image "+c.Name,
				fmt.Sprintf("image:character:%s:%s", c.ID, uuid.NewString()),
				provider.ImageRequest{
					Prompt:       characterPrompt(proj.Style, &c),
					Style:        proj.Style,
					AspectRatio:  "1:1",
					SourceImages: sources,
				})
			if err == nil {
				err = models.AddCharacterImage(gctx, p.DB, &models.CharacterImage{
					ID: uuid.NewString(), CharacterID: c.ID, URL: url,
				})
			}
			if err != nil {
				item.Error = err.Error()
				p.log.Warn("character image failed", zap.String("project_id", projectID),
					zap.String("character", c.Name), zap.Error(err))
			} else {
				item.URL = url
			}
			report.Items[i] = item
			return nil
		})
	}
	_ = g.Wait()
	report.tally()

	if err := models.SetStage(ctx, p.DB, projectID, models.StageCharacters, report.stageStatus()); err != nil {
		return report, err
	}
	return report, nil
}

// GenerateStoryboards 根据提示词和角色参考图生成每个镜头的关键帧
// 下一个镜头已有关键帧时作为连续性参考一并传入
func (p *Processor) GenerateStoryboards(ctx context.Context, projectID string, ids []string) (*BatchReport, error) {
	proj, err := models.GetProject(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	shots, err := models.ListShots(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	if len(shots) == 0 {
		return nil, apperr.Validation("storyboard", "project %s has no shots, analyze the script first", projectID)
	}
	chars, err := models.ListCharacters(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]string, len(chars))
	for _, c := range chars {
		if n := len(c.Images); n > 0 {
			refs[c.Name] = c.Images[n-1].URL
		}
	}
	shots = filterByID(shots, ids, func(s models.Shot) string { return s.ID })
	if err := models.SetStage(ctx, p.DB, projectID, models.StageStoryboard, models.StageStatusProcessing); err != nil {
		return nil, err
	}

	report := &BatchReport{Stage: models.StageStoryboard, Items: make([]ItemResult, len(shots))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.imageConcurrency())
	for i := range shots {
		s := shots[i]
		g.Go(func() error {
			item := ItemResult{ID: s.ID, Name: fmt.Sprintf("shot %d", s.ShotNumber)}
			var sources []string
			for _, name := range s.CharacterNames {
				if u := refs[name]; u != "" {
					sources = append(sources, u)
				}
			}
			if next, err := models.GetShotByNumber(gctx, p.DB, projectID, s.ShotNumber+1); err == nil && next.ImageURL != "" {
				sources = append(sources, next.ImageURL)
			}
			prompt := s.Prompt
			if prompt == "" {
				prompt = shotPrompt(proj.Style, &s, nil)
			}
			url, err := p.chargedImage(gctx, proj, fmt.Sprintf("storyboard shot %d", s.ShotNumber),
				fmt.Sprintf("image:shot:%s:%s", s.ID, uuid.NewString()),
				provider.ImageRequest{
					Prompt:       prompt,
					Style:        proj.Style,
					AspectRatio:  proj.AspectRatio,
					SourceImages: sources,
				})
			if err == nil {
				err = models.SetShotImage(gctx, p.DB, s.ID, url)
			}
			if err != nil {
				item.Error = err.Error()
				p.log.Warn("storyboard image failed", zap.String("project_id", projectID),
					zap.Int("shot", s.ShotNumber), zap.Error(err))
			} else {
				item.URL = url
			}
			report.Items[i] = item
			return nil
		})
	}
	_ = g.Wait()
	report.tally()

	if err := models.SetStage(ctx, p.DB, projectID, models.StageStoryboard, report.stageStatus()); err != nil {
		return report, err
	}
	return report, nil
}

func (p *Processor) chargedImage(ctx context.Context, proj *models.Project, desc, ref string, r provider.ImageRequest) (string, error) {
	var url string
	err := p.Ledger.Charge(ctx, proj.UserID, p.Credits.Image, desc, ref, func(ctx context.Context) error {
		u, err := p.Providers.Image.GenerateImage(ctx, r)
		if err != nil {
			return err
		}
		if u == "" {
			return apperr.Terminal("image", "provider returned no url")
		}
		url = u
		return nil
	})
	return url, err
}

func (p *Processor) imageConcurrency() int {
	if p.Pipeline.ImageConcurrency > 0 {
		return p.Pipeline.ImageConcurrency
	}
	return 4
}

func filterByID[T any](items []T, ids []string, id func(T) string) []T {
	if len(ids) == 0 {
		return items
	}
	want := make(map[string]bool, len(ids))
	for _, v := range ids {
		want[v] = true
	}
	out := items[:0:0]
	for _, it := range items {
		if want[id(it)] {
			out = append(out, it)
		}
	}
	return out
}
