package service

import (
	"fmt"
	"strings"

	"vidfab-server/models"
)

// clipResolution 单个镜头的生成分辨率，高级模型为 1080p
func clipResolution(aspect, tier string) string {
	if tier == models.ModelTierPremium {
		return finalResolution(aspect)
	}
	switch aspect {
	case "9:16":
		return "720x1280"
	case "1:1":
		return "720x720"
	default:
		return "1280x720"
	}
}

func finalResolution(aspect string) string {
	switch aspect {
	case "9:16":
		return "1080x1920"
	case "1:1":
		return "1080x1080"
	default:
		return "1920x1080"
	}
}

func shotPrompt(style string, s *models.Shot, descriptions map[string]string) string {
	var b strings.Builder
	if style != "" {
		fmt.Fprintf(&b, "Style: %s. ", style)
	}
	b.WriteString(strings.TrimSpace(s.Description))
	if s.CameraDirection != "" {
		fmt.Fprintf(&b, " Camera: %s.", s.CameraDirection)
	}
	if s.Mood != "" {
		fmt.Fprintf(&b, " Mood: %s.", s.Mood)
	}
	for _, name := range s.CharacterNames {
		if d := descriptions[name]; d != "" {
			fmt.Fprintf(&b, " %s: %s.", name, d)
		}
	}
	return b.String()
}

func characterPrompt(style string, c *models.Character) string {
	p := "Character reference sheet of " + c.Name
	if c.Description != "" {
		p += ", " + c.Description
	}
	if style != "" {
		p += ". Style: " + style
	}
	return p + ". Full body, neutral background."
}
