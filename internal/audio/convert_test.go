package audio

import (
	"context"
	"testing"
)

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"mp3":     "audio/mpeg",
		"opus":    "audio/ogg",
		"ogg":     "audio/ogg",
		"wav":     "audio/wav",
		"unknown": "audio/mpeg",
	}
	for format, want := range cases {
		if got := ContentType(format); got != want {
			t.Fatalf("ContentType(%q) = %q, want %q", format, got, want)
		}
	}
}

func TestSupportedFormat(t *testing.T) {
	for _, format := range []string{"mp3", "opus", "ogg", "wav"} {
		if !SupportedFormat(format) {
			t.Fatalf("%q should be supported", format)
		}
	}
	for _, format := range []string{"flac", "aac", ""} {
		if SupportedFormat(format) {
			t.Fatalf("%q should not be supported", format)
		}
	}
}

func TestNopConverterSameFormatStillFails(t *testing.T) {
	// NopConverter always refuses; the pipeline short-circuits equal formats
	// before calling it.
	if _, err := (NopConverter{}).Convert(context.Background(), []byte("x"), "mp3", "mp3"); err == nil {
		t.Fatal("expected error")
	}
}

func TestFFmpegConverterSameFormatPassthrough(t *testing.T) {
	c := NewFFmpegConverter()
	data := []byte("bytes")
	out, err := c.Convert(context.Background(), data, "mp3", "mp3")
	if err != nil {
		t.Fatalf("passthrough: %v", err)
	}
	if string(out) != "bytes" {
		t.Fatal("passthrough should return input unchanged")
	}
}

func TestFFmpegConverterRejectsUnknownTarget(t *testing.T) {
	c := NewFFmpegConverter()
	if _, err := c.Convert(context.Background(), []byte("x"), "mp3", "flac"); err == nil {
		t.Fatal("expected error for unsupported target")
	}
}
