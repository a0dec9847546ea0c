package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/meshroom/internal/config"
)

func TestToggled(t *testing.T) {
	tests := []struct {
		device string
		off    bool
		want   string
	}{
		{"camera", true, "camera off"},
		{"camera", false, "camera on"},
		{"microphone", true, "microphone off"},
		{"microphone", false, "microphone on"},
	}
	for _, tt := range tests {
		if got := toggled(tt.device, tt.off); got != tt.want {
			t.Errorf("toggled(%q, %v) = %q, want %q", tt.device, tt.off, got, tt.want)
		}
	}
}

type checkFunc func(context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestStoresHealthCheck(t *testing.T) {
	logger = zaptest.NewLogger(t)

	var ran []string
	ok := func(name string) namedCheck {
		return namedCheck{name, checkFunc(func(context.Context) error {
			ran = append(ran, name)
			return nil
		})}
	}
	down := namedCheck{"minio", checkFunc(func(ctx context.Context) error {
		if _, has := ctx.Deadline(); !has {
			t.Error("health checks should run under a deadline")
		}
		return errors.New("bucket missing")
	})}

	s := &stores{checks: []namedCheck{ok("roster database"), down, ok("recordings")}}
	err := s.healthCheck(context.Background(), time.Second)
	if err == nil || !strings.Contains(err.Error(), "minio health check failed") {
		t.Fatalf("healthCheck = %v", err)
	}
	if len(ran) != 1 {
		t.Fatalf("checks after the failure still ran: %v", ran)
	}
}

func TestOpenStoresChecksRendezvous(t *testing.T) {
	logger = zaptest.NewLogger(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	conf := config.NewDefaultConfig()
	conf.Signaling.URL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"

	s, err := openStores(context.Background(), conf, logger, true)
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	if s.roster == nil || s.archiver != nil || s.sessionArchiver() != nil {
		t.Fatalf("stores = %+v, want a rendezvous roster and no archiver", s)
	}
	s.Close()

	ts.Close()
	if _, err := openStores(context.Background(), conf, logger, true); err == nil {
		t.Fatal("an unreachable rendezvous server should fail before joining")
	}
	if _, err := openStores(context.Background(), conf, logger, false); err != nil {
		t.Fatalf("without a roster nothing needs the rendezvous server: %v", err)
	}
}
