package schedule_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/gullybot/internal/config"
	"github.com/jensholdgaard/gullybot/internal/schedule"
)

func TestNew_RegistersConfiguredJobs(t *testing.T) {
	cfg := config.ScheduleConfig{
		Timezone:           "UTC",
		TransferWindowOpen: "0 6 * * MON",
		SubmissionClose:    "0 12 * * SAT",
	}
	noopAction := func(context.Context) error { return nil }
	s, err := schedule.New(context.Background(), cfg, schedule.Actions{
		OpenTransferWindows:  noopAction,
		CloseTransferWindows: noopAction,
		CloseSubmissions:     noopAction,
	}, slog.Default(), noop.NewTracerProvider())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })

	want := []string{schedule.JobSubmissionClose, schedule.JobTransferWindowOpen}
	if got := s.Jobs(); !slices.Equal(got, want) {
		t.Errorf("Jobs() = %v, want %v", got, want)
	}
}

func TestNew_InvalidCron(t *testing.T) {
	cfg := config.ScheduleConfig{Timezone: "UTC", TransferWindowOpen: "every monday"}
	_, err := schedule.New(context.Background(), cfg, schedule.Actions{
		OpenTransferWindows: func(context.Context) error { return nil },
	}, slog.Default(), noop.NewTracerProvider())
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestNew_InvalidTimezone(t *testing.T) {
	_, err := schedule.New(context.Background(), config.ScheduleConfig{Timezone: "Nowhere/Land"},
		schedule.Actions{}, slog.Default(), noop.NewTracerProvider())
	if err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestScheduler_RunNow(t *testing.T) {
	ran := make(chan string, 2)
	cfg := config.ScheduleConfig{
		Timezone:            "Asia/Kolkata",
		TransferWindowClose: "0 18 * * MON",
		SubmissionClose:     "0 12 * * SAT",
	}
	s, err := schedule.New(context.Background(), cfg, schedule.Actions{
		CloseTransferWindows: func(context.Context) error { ran <- "close"; return nil },
		CloseSubmissions:     func(context.Context) error { ran <- "assign"; return errors.New("boom") },
	}, slog.Default(), noop.NewTracerProvider())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.Start()
	t.Cleanup(func() { _ = s.Shutdown() })

	if err := s.RunNow(schedule.JobSubmissionClose); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	select {
	case got := <-ran:
		if got != "assign" {
			t.Errorf("ran %q, want assign", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}

	if err := s.RunNow("nope"); err == nil {
		t.Error("expected error for unknown job")
	}
}
