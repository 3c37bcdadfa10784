package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// AnalysisSchemaVersion Analysis 结构变化时递增
const AnalysisSchemaVersion = 1

// Analysis 脚本分析结果，存于 project 表，shot 表在同一事务内由它写入
type Analysis struct {
	SchemaVersion int                 `json:"schema_version"`
	Revision      int                 `json:"revision"`
	Shots         []AnalysisShot      `json:"shots"`
	Characters    []AnalysisCharacter `json:"characters"`
}

type AnalysisShot struct {
	ShotNumber      int      `json:"shot_number"`
	StartSec        float64  `json:"start_sec"`
	EndSec          float64  `json:"end_sec"`
	Description     string   `json:"description"`
	CameraDirection string   `json:"camera_direction"`
	Mood            string   `json:"mood"`
	Narration       string   `json:"narration,omitempty"`
	Characters      []string `json:"characters"`
	DurationSeconds int      `json:"duration_seconds"`
}

type AnalysisCharacter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (a Analysis) Value() (driver.Value, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (a *Analysis) Scan(value any) error {
	return scanJSON(value, a)
}

// StringList JSON 数组列
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value any) error {
	return scanJSON(value, l)
}

func scanJSON(value any, dst any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", value)
	}
}
