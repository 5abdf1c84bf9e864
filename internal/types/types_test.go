package types

import (
	"errors"
	"testing"
)

func TestFrameValidate(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{"Valid BGR", Frame{Width: 4, Height: 2, Format: BGR24, Data: make([]byte, 24)}, false},
		{"Valid GRAY", Frame{Width: 4, Height: 2, Format: GRAY8, Data: make([]byte, 8)}, false},
		{"Short buffer", Frame{Width: 4, Height: 2, Format: BGR24, Data: make([]byte, 23)}, true},
		{"Zero width", Frame{Width: 0, Height: 2, Format: BGR24}, true},
		{"Unknown format", Frame{Width: 1, Height: 1, Data: make([]byte, 3)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var ffe *FrameFormatError
				if !errors.As(err, &ffe) {
					t.Errorf("expected *FrameFormatError, got %T", err)
				}
			}
		})
	}
}

func TestParsePixelFormat(t *testing.T) {
	tests := []struct {
		in   string
		want PixelFormat
	}{
		{"BGR", BGR24},
		{"bgr24", BGR24},
		{"rgb", RGB24},
		{"GRAY", GRAY8},
		{"rgba", RGBA32},
	}
	for _, tt := range tests {
		got, err := ParsePixelFormat(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParsePixelFormat(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
		if round, _ := ParsePixelFormat(got.String()); round != got {
			t.Errorf("wire tag %q does not parse back to %v", got.String(), got)
		}
	}
	if _, err := ParsePixelFormat("yuv420p"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestFailureKindTransient(t *testing.T) {
	transient := []FailureKind{FailureTimeout, FailureConnRefused, FailureNetwork, FailureServer, FailureEndpointUnhealthy}
	for _, k := range transient {
		if !k.Transient() {
			t.Errorf("%s should be transient", k)
		}
	}
	permanent := []FailureKind{FailureClient, FailureMalformed, FailureShutdown}
	for _, k := range permanent {
		if k.Transient() {
			t.Errorf("%s should not be retried", k)
		}
	}
}
