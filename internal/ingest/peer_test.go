package ingest

import (
	"context"
	"errors"
	"testing"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name                   string
		stream, screen, camera string
		wantCamera, wantOK     bool
	}{
		{"screen match", "s1", "s1", "c1", false, true},
		{"camera match", "c1", "s1", "c1", true, true},
		{"unknown", "x", "s1", "c1", false, false},
		{"no screen id accepts all", "x", "", "", false, true},
		{"no camera id", "c1", "s1", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam, ok := route(tt.stream, tt.screen, tt.camera)
			if cam != tt.wantCamera || ok != tt.wantOK {
				t.Fatalf("route(%q) = (%v, %v), want (%v, %v)", tt.stream, cam, ok, tt.wantCamera, tt.wantOK)
			}
		})
	}
}

func TestNewAPI(t *testing.T) {
	api, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	if api == nil {
		t.Fatal("expected API")
	}
}

func TestAcceptRejectsEmptyOffer(t *testing.T) {
	api, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	_, _, err = Accept(context.Background(), api, Offer{}, nil)
	if !errors.Is(err, ErrEmptyOffer) {
		t.Fatalf("err = %v, want ErrEmptyOffer", err)
	}
}

func TestAcceptRejectsMalformedOffer(t *testing.T) {
	api, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	_, _, err = Accept(context.Background(), api, Offer{SDP: "not sdp"}, nil)
	if err == nil {
		t.Fatal("expected error for malformed SDP")
	}
}
