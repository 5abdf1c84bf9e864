package utils

import (
	"os"
	"strings"
	"testing"
)

func TestGenerateVideoID(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "video_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	// Write dummy content
	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateVideoID(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate ID: %v", err)
	}

	// Verify Determinism
	id2, _ := GenerateVideoID(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := GenerateVideoID(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}

	if got := GenerateStreamID(tmp.Name()); got != id3 {
		t.Errorf("GenerateStreamID(file) = %s, want file hash %s", got, id3)
	}
}

func TestGenerateStreamIDForLiveSources(t *testing.T) {
	a := GenerateStreamID("rtsp://camera/stream")
	b := GenerateStreamID("rtsp://camera/stream")
	if a == b {
		t.Error("live streams should get a fresh ID per run")
	}
	if len(GenerateStreamID("")) != 36 {
		t.Error("expected a UUID for synthetic sources")
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"30/1", 30, false},
		{"30000/1001", 29.97002997002997, false},
		{"25", 25, false},
		{"0/0", 0, true},
		{"N/A", 0, true},
		{"-5", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseFrameRate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFrameRate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseFrameRate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFFmpegRawArgs(t *testing.T) {
	args := strings.Join(FFmpegRawArgs("rtsp://cam/1", "bgr24", 15, 320, 240), " ")
	for _, want := range []string{"-rtsp_transport tcp", "-i rtsp://cam/1", "-vf fps=15,scale=320:240", "-f rawvideo -pix_fmt bgr24 -"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}

	plain := strings.Join(FFmpegRawArgs("clip.mp4", "gray", 0, 0, 0), " ")
	if strings.Contains(plain, "-vf") || strings.Contains(plain, "rtsp_transport") {
		t.Errorf("unexpected filters for plain file: %q", plain)
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	cmd := NewSafeCommand("sh", "-c", "echo decoder exploded >&2; exit 3")
	if err := cmd.Run(); err == nil {
		t.Fatal("expected non-zero exit")
	}
	if !strings.Contains(cmd.Stderr.String(), "decoder exploded") {
		t.Errorf("stderr not captured: %q", cmd.Stderr.String())
	}
}
