package models

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type Character struct {
	ID          string           `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectID   string           `gorm:"type:varchar(64);uniqueIndex:idx_character_project_name" json:"projectId"`
	Name        string           `gorm:"type:varchar(191);uniqueIndex:idx_character_project_name" json:"name"`
	Description string           `gorm:"type:text" json:"description"`
	Images      []CharacterImage `gorm:"-" json:"images,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

func (Character) TableName() string {
	return "project_character"
}

// CharacterImage 角色参考图
type CharacterImage struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	CharacterID string    `gorm:"type:varchar(64);index" json:"characterId"`
	URL         string    `gorm:"type:text" json:"url"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (CharacterImage) TableName() string {
	return "character_image"
}

// ListCharacters 按名称排序返回项目角色（含参考图）
func ListCharacters(ctx context.Context, db *gorm.DB, projectID string) ([]Character, error) {
	db = db.WithContext(ctx)
	var chars []Character
	if err := db.Where("project_id = ?", projectID).Order("name ASC").Find(&chars).Error; err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	if len(chars) == 0 {
		return chars, nil
	}
	ids := make([]string, len(chars))
	for i := range chars {
		ids[i] = chars[i].ID
	}
	var imgs []CharacterImage
	if err := db.Where("character_id IN ?", ids).Order("created_at ASC").Find(&imgs).Error; err != nil {
		return nil, fmt.Errorf("list character images: %w", err)
	}
	byChar := make(map[string][]CharacterImage, len(chars))
	for _, img := range imgs {
		byChar[img.CharacterID] = append(byChar[img.CharacterID], img)
	}
	for i := range chars {
		chars[i].Images = byChar[chars[i].ID]
	}
	return chars, nil
}

func CreateCharacters(ctx context.Context, tx *gorm.DB, chars []Character) error {
	if len(chars) == 0 {
		return nil
	}
	now := time.Now()
	for i := range chars {
		chars[i].CreatedAt = now
		chars[i].UpdatedAt = now
	}
	if err := tx.WithContext(ctx).Create(&chars).Error; err != nil {
		return fmt.Errorf("create characters: %w", err)
	}
	return nil
}

// DeleteCharacters 删除角色及其全部参考图
func DeleteCharacters(ctx context.Context, tx *gorm.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx = tx.WithContext(ctx)
	if err := tx.Where("character_id IN ?", ids).Delete(&CharacterImage{}).Error; err != nil {
		return fmt.Errorf("delete character images: %w", err)
	}
	if err := tx.Where("id IN ?", ids).Delete(&Character{}).Error; err != nil {
		return fmt.Errorf("delete characters: %w", err)
	}
	return nil
}

func AddCharacterImage(ctx context.Context, db *gorm.DB, img *CharacterImage) error {
	img.CreatedAt = time.Now()
	if err := db.WithContext(ctx).Create(img).Error; err != nil {
		return fmt.Errorf("add character image: %w", err)
	}
	return nil
}
