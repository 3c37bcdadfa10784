package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"vidfab-server/apperr"
	"vidfab-server/models"
	"vidfab-server/provider"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// overlapTolerance 容忍分镜边界的浮点误差
const overlapTolerance = 0.05

type AnalysisOutcome struct {
	Analysis            *models.Analysis
	Cached              bool
	DeletedCharacters   []string
	PreservedCharacters []string
	CreatedCharacters   []string
}

// AnalyzeScript 将项目脚本拆解为分镜和角色
// 非强制模式下已有分析结果直接返回，不写任何数据
func (p *Processor) AnalyzeScript(ctx context.Context, projectID string, force bool) (*AnalysisOutcome, error) {
	proj, err := models.GetProject(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}
	if proj.Analysis != nil && !force {
		return &AnalysisOutcome{Analysis: proj.Analysis, Cached: true}, nil
	}
	if err := checkNoActiveClips(ctx, p.DB, projectID); err != nil {
		return nil, err
	}

	err = models.UpdateProjectColumns(ctx, p.DB, projectID, map[string]any{
		"stage_script": models.StageStatusProcessing,
		"status":       models.ProjectStatusProcessing,
	})
	if err != nil {
		return nil, err
	}

	var out *AnalysisOutcome
	ref := fmt.Sprintf("analysis:%s:%s", projectID, uuid.NewString())
	err = p.Ledger.Charge(ctx, proj.UserID, p.Credits.Analysis, "script analysis", ref, func(ctx context.Context) error {
		res, err := p.Providers.Script.AnalyzeScript(ctx, provider.ScriptRequest{
			Script:          proj.ScriptText,
			DurationSeconds: proj.DurationSeconds,
			Style:           proj.Style,
			AspectRatio:     proj.AspectRatio,
		})
		if err != nil {
			return err
		}
		analysis, shots, err := normalizeAnalysis(res, proj)
		if err != nil {
			return err
		}
		out, err = p.persistAnalysis(ctx, proj, analysis, shots)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// persistAnalysis 在同一事务内写入角色、分镜和分析结果
// 先做角色差异比对，再替换分镜
func (p *Processor) persistAnalysis(ctx context.Context, proj *models.Project, a *models.Analysis, shots []models.Shot) (*AnalysisOutcome, error) {
	out := &AnalysisOutcome{Analysis: a}
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 调用模型期间可能已有视频开始生成
		if err := checkNoActiveClips(ctx, tx, proj.ID); err != nil {
			return err
		}
		existing, err := models.ListCharacters(ctx, tx, proj.ID)
		if err != nil {
			return err
		}
		wanted := make(map[string]string, len(a.Characters))
		for _, c := range a.Characters {
			wanted[c.Name] = c.Description
		}
		have := make(map[string]bool, len(existing))
		var deleteIDs []string
		for _, c := range existing {
			have[c.Name] = true
			if _, keep := wanted[c.Name]; keep {
				out.PreservedCharacters = append(out.PreservedCharacters, c.Name)
				continue
			}
			deleteIDs = append(deleteIDs, c.ID)
			out.DeletedCharacters = append(out.DeletedCharacters, c.Name)
		}
		if err := models.DeleteCharacters(ctx, tx, deleteIDs); err != nil {
			return err
		}
		var created []models.Character
		for _, c := range a.Characters {
			if have[c.Name] {
				continue
			}
			created = append(created, models.Character{
				ID: uuid.NewString(), ProjectID: proj.ID, Name: c.Name, Description: c.Description,
			})
			out.CreatedCharacters = append(out.CreatedCharacters, c.Name)
		}
		if err := models.CreateCharacters(ctx, tx, created); err != nil {
			return err
		}

		if err := models.ReplaceShots(ctx, tx, proj.ID, shots); err != nil {
			return err
		}

		a.Revision = proj.AnalysisRevision + 1
		return models.UpdateProjectColumns(ctx, tx, proj.ID, map[string]any{
			"analysis":            a,
			"analysis_revision":   a.Revision,
			"stage_script":        models.StageStatusCompleted,
			"stage_characters":    models.StageStatusPending,
			"stage_storyboard":    models.StageStatusPending,
			"stage_video":         models.StageStatusPending,
			"stage_audio":         models.StageStatusPending,
			"stage_compose":       models.StageStatusPending,
			"compose_fingerprint": "",
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persist analysis: %w", err)
	}
	sort.Strings(out.DeletedCharacters)
	sort.Strings(out.PreservedCharacters)
	sort.Strings(out.CreatedCharacters)
	p.log.Info("analysis stored",
		zap.String("project_id", proj.ID),
		zap.Int("revision", a.Revision),
		zap.Int("shots", len(shots)))
	return out, nil
}

// checkNoActiveClips 项目仍有排队或生成中的视频时拒绝替换分镜（否则扣费与外部任务会丢失）
func checkNoActiveClips(ctx context.Context, db *gorm.DB, projectID string) error {
	n, err := models.CountActiveClips(ctx, db, projectID)
	if err != nil {
		return err
	}
	if n > 0 {
		return apperr.Conflict("analysis.replace", "%d clips of project %s are still generating", n, projectID)
	}
	return nil
}

// normalizeAnalysis 校验模型返回结果，按时间顺序生成编号 1..n 的分镜
func normalizeAnalysis(res *provider.ScriptResult, proj *models.Project) (*models.Analysis, []models.Shot, error) {
	const op = "analysis.validate"
	if res == nil || len(res.Shots) == 0 {
		return nil, nil, apperr.Validation(op, "analysis returned no shots")
	}
	raw := append([]provider.ScriptShot(nil), res.Shots...)
	for i, s := range raw {
		if s.StartSec < 0 || s.EndSec <= s.StartSec {
			return nil, nil, apperr.Validation(op, "shot %d has invalid time range [%.2f, %.2f]", i+1, s.StartSec, s.EndSec)
		}
	}
	sort.SliceStable(raw, func(i, j int) bool { return raw[i].StartSec < raw[j].StartSec })
	for i := 1; i < len(raw); i++ {
		if raw[i].StartSec < raw[i-1].EndSec-overlapTolerance {
			return nil, nil, apperr.Validation(op, "shots %d and %d overlap", i, i+1)
		}
	}

	a := &models.Analysis{SchemaVersion: models.AnalysisSchemaVersion}
	seen := make(map[string]bool)
	addCharacter := func(name, desc string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		a.Characters = append(a.Characters, models.AnalysisCharacter{Name: name, Description: strings.TrimSpace(desc)})
	}
	for _, c := range res.Characters {
		addCharacter(c.Name, c.Description)
	}

	descriptions := make(map[string]string)
	shots := make([]models.Shot, len(raw))
	for i, s := range raw {
		names := uniqueNames(s.Characters)
		for _, n := range names {
			addCharacter(n, "")
		}
		dur := s.DurationSeconds
		if dur <= 0 {
			dur = max(1, int(math.Round(s.EndSec-s.StartSec)))
		}
		a.Shots = append(a.Shots, models.AnalysisShot{
			ShotNumber:      i + 1,
			StartSec:        s.StartSec,
			EndSec:          s.EndSec,
			Description:     strings.TrimSpace(s.Description),
			CameraDirection: s.CameraDirection,
			Mood:            s.Mood,
			Narration:       strings.TrimSpace(s.Narration),
			Characters:      names,
			DurationSeconds: dur,
		})
		shots[i] = models.Shot{
			ID:              uuid.NewString(),
			ProjectID:       proj.ID,
			ShotNumber:      i + 1,
			StartSec:        s.StartSec,
			EndSec:          s.EndSec,
			Description:     strings.TrimSpace(s.Description),
			CameraDirection: s.CameraDirection,
			Mood:            s.Mood,
			Narration:       strings.TrimSpace(s.Narration),
			DurationSeconds: dur,
			Resolution:      clipResolution(proj.AspectRatio, proj.ModelTier),
			CharacterNames:  names,
		}
	}
	for _, c := range a.Characters {
		descriptions[c.Name] = c.Description
	}
	for i := range shots {
		shots[i].Prompt = shotPrompt(proj.Style, &shots[i], descriptions)
	}
	return a, shots, nil
}

func uniqueNames(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, n := range in {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
