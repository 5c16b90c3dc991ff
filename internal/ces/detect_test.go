package ces

import "testing"

func TestDetectContent_MagicBytes(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want FileType
	}{
		{"zip", []byte{0x50, 0x4B, 0x03, 0x04, 0x00, 0x00}, FileTypeCompressed},
		{"gzip", []byte{0x1F, 0x8B, 0x08, 0x00}, FileTypeCompressed},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A}, FileTypeImage},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, FileTypeImage},
		{"gif", []byte{0x47, 0x49, 0x46, 0x38, 0x39, 0x61}, FileTypeImage},
		{"mp4", []byte{0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}, FileTypeVideo},
		{"avi", []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0x00, 0x00, 0x00, 'A', 'V', 'I', ' '}, FileTypeVideo},
		{"wav", []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0x00, 0x00, 0x00, 'W', 'A', 'V', 'E'}, FileTypeAudio},
		{"flac", []byte{0x66, 0x4C, 0x61, 0x43, 0x00, 0x00}, FileTypeAudio},
		{"mp3", []byte{0xFF, 0xFB, 0x90, 0x00}, FileTypeAudio},
		{"elf", []byte{0x7F, 0x45, 0x4C, 0x46, 0x02, 0x01}, FileTypeBinary},
		{"pe", []byte{0x4D, 0x5A, 0x90, 0x00}, FileTypeBinary},
		{"text", []byte("Hello, World! This is a text file."), FileTypeText},
		{"short", []byte{0x01, 0x02}, FileTypeUnknown},
		{"highentropy", []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, FileTypeUnknown},
	}

	for _, tc := range cases {
		if got := DetectContent(tc.data); got != tc.want {
			t.Errorf("%s: detected %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFileType_CompressionPolicy(t *testing.T) {
	if FileTypeCompressed.CompressionLevel() != 0 {
		t.Error("compressed content should not be recompressed")
	}
	if FileTypeVideo.CompressionLevel() != 0 {
		t.Error("video content should not be compressed")
	}
	if FileTypeText.CompressionLevel() != 9 {
		t.Errorf("text should compress at level 9, got %d", FileTypeText.CompressionLevel())
	}
	if FileTypeBinary.CompressionLevel() != 6 {
		t.Errorf("binary should compress at level 6, got %d", FileTypeBinary.CompressionLevel())
	}
	if FileTypeImage.CompressionLevel() != 1 || FileTypeAudio.CompressionLevel() != 1 {
		t.Error("image and audio should compress at level 1")
	}
	if FileTypeUnknown.CompressionLevel() != 3 {
		t.Errorf("unknown should compress at level 3, got %d", FileTypeUnknown.CompressionLevel())
	}

	if !FileTypeCompressed.SkipCompression() || !FileTypeVideo.SkipCompression() {
		t.Error("compressed and video types should skip compression")
	}
	if FileTypeText.SkipCompression() {
		t.Error("text should not skip compression")
	}
}
