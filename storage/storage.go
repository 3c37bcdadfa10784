// Package storage persists generated media under deterministic object keys.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
)

// Object describes a stored blob.
type Object struct {
	Key  string
	URL  string
	Size int64
}

type Storage interface {
	// Put uploads r under key, overwriting any previous object. size may be -1.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*Object, error)
	// URL returns a URL the render service and browsers can fetch key from.
	URL(ctx context.Context, key string) (string, error)
}

// ContentTypeFor guesses the MIME type from the key's extension.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".srt":
		return "application/x-subrip"
	default:
		return "application/octet-stream"
	}
}

// Key layout. Everything for a project lives under projects/{id}/.

func ClipKey(projectID, shotID string) string {
	return "projects/" + projectID + "/clips/" + shotID + ".mp4"
}

func FinalVideoKey(projectID string) string {
	return "projects/" + projectID + "/final.mp4"
}

func SubtitleKey(projectID, fingerprint string) string {
	return "projects/" + projectID + "/subtitles/" + fingerprint + ".srt"
}
