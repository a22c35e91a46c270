// Package channel defines the broadcast surface shared by the messenger
// adapters and the mail composer.
package channel

import (
	"context"
	"path"
	"strings"

	"mailbridge/pkg/attachments"
)

// Adapter broadcasts to a list of recipients on one messenger. Both methods
// report true when at least one recipient accepted the message; an empty
// audience counts as success. Adapters that post to a single feed ignore
// recipients.
type Adapter interface {
	Name() string
	BroadcastText(ctx context.Context, subject string, body string, recipients []string) bool
	BroadcastFile(ctx context.Context, file attachments.File, recipients []string) bool
}

// Composer sends whole mail messages, one per recipient, and reports how
// many were delivered.
type Composer interface {
	BroadcastMessage(ctx context.Context, subject string, body string, files []attachments.File, recipients []string) int
}

// Text joins a subject and body the way every messenger shows them.
func Text(subject string, body string) string {
	return subject + " " + body
}

// MediaKind is the messenger-side representation of a file.
type MediaKind int

const (
	MediaDocument MediaKind = iota
	MediaImage
	MediaVideo
	MediaAudio
	MediaUnsupported
)

func (k MediaKind) String() string {
	switch k {
	case MediaImage:
		return "image"
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	case MediaDocument:
		return "document"
	default:
		return "unsupported"
	}
}

var mediaKinds = map[string]MediaKind{
	"jpg":  MediaImage,
	"jpeg": MediaImage,
	"gif":  MediaImage,
	"png":  MediaImage,
	"bmp":  MediaImage,
	"tif":  MediaImage,
	"tiff": MediaImage,
	"mp4":  MediaVideo,
	"mpg":  MediaVideo,
	"mpeg": MediaVideo,
	"avi":  MediaVideo,
	"webm": MediaVideo,
	"mp3":  MediaAudio,
	"wav":  MediaAudio,
	"mid":  MediaAudio,
	"zip":  MediaDocument,
	"rar":  MediaDocument,
	"7z":   MediaDocument,
}

// KindOf classifies a file name by extension, case-insensitively.
func KindOf(name string) MediaKind {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if kind, ok := mediaKinds[ext]; ok {
		return kind
	}

	return MediaUnsupported
}
