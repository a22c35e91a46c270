package channel

import "testing"

func TestKindOf(t *testing.T) {
	tests := map[string]MediaKind{
		"photo.JPG":      MediaImage,
		"scan.tiff":      MediaImage,
		"clip.webm":      MediaVideo,
		"song.mp3":       MediaAudio,
		"bundle.7z":      MediaDocument,
		"attachment.zip": MediaDocument,
		"report.pdf":     MediaUnsupported,
		"noextension":    MediaUnsupported,
		"archive.zip.":   MediaUnsupported,
	}

	for name, want := range tests {
		if got := KindOf(name); got != want {
			t.Fatalf("KindOf(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestText(t *testing.T) {
	if got := Text("(News)", "hello"); got != "(News) hello" {
		t.Fatalf("Text = %q", got)
	}
}
