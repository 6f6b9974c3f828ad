package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/cart_sentinel/internal/logging"
)

func TestAddValidatesSpec(t *testing.T) {
	s := New(logging.NewWithWriter("test", io.Discard))

	tests := []struct {
		name    string
		spec    string
		wantErr bool
	}{
		{"every descriptor", "@every 10m", false},
		{"daily at two", "0 2 * * *", false},
		{"hourly descriptor", "@hourly", false},
		{"seconds field rejected", "*/5 * * * * *", true},
		{"garbage", "soon", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Add(tt.name, tt.spec, func(context.Context) error { return nil })
			if (err != nil) != tt.wantErr {
				t.Errorf("Add(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
		})
	}

	if err := s.Add("every descriptor", "@every 1m", func(context.Context) error { return nil }); err == nil {
		t.Error("duplicate job name accepted")
	}
}

func TestRunNowRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	s := New(logging.NewWithWriter("test", &buf))

	var calls atomic.Int32
	fail := false
	_ = s.Add("cart_scan", "@every 10m", func(context.Context) error {
		calls.Add(1)
		if fail {
			return errors.New("database unavailable")
		}
		return nil
	})

	if err := s.RunNow("cart_scan"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	fail = true
	if err := s.RunNow("cart_scan"); err == nil || !strings.Contains(err.Error(), "database unavailable") {
		t.Errorf("RunNow() error = %v", err)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("RunNow() on unknown job expected error")
	}

	st := s.Status()
	if len(st) != 1 || st[0].Runs != 2 || st[0].LastErr != "database unavailable" || calls.Load() != 2 {
		t.Errorf("status = %+v", st)
	}
	if !strings.Contains(buf.String(), "scheduled job failed") {
		t.Errorf("failure not logged: %s", buf.String())
	}
}

func TestScheduleTicks(t *testing.T) {
	s := New(logging.NewWithWriter("test", io.Discard))
	ran := make(chan struct{}, 10)
	_ = s.Add("sweep", "@every 1s", func(context.Context) error {
		ran <- struct{}{}
		return nil
	})
	_ = s.Add("archive", "0 4 * * *", func(context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	st := s.Status()
	if st[0].Name != "archive" || st[1].Name != "sweep" {
		t.Errorf("status order = %s, %s", st[0].Name, st[1].Name)
	}
	if st[0].Next.Hour() != 4 || st[0].Next.Location() != time.UTC {
		t.Errorf("archive next = %s", st[0].Next)
	}
}

func TestPanickingJobIsRecovered(t *testing.T) {
	s := New(logging.NewWithWriter("test", io.Discard))
	ran := make(chan struct{}, 10)
	_ = s.Add("boom", "@every 1s", func(context.Context) error {
		ran <- struct{}{}
		panic("boom")
	})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(3 * time.Second):
			t.Fatalf("run %d missing after panic", i+1)
		}
	}
}
