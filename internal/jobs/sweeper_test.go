package jobs

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeTarget struct {
	throttle, devices int
	throttleErr       error
	calls             int
}

func (f *fakeTarget) SweepThrottle(context.Context) (int, error) {
	f.calls++
	return f.throttle, f.throttleErr
}

func (f *fakeTarget) SweepDevices(context.Context) (int, error) {
	f.calls++
	return f.devices, nil
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	target := &fakeTarget{devices: 3, throttleErr: errors.New("redis down")}
	s := NewSweeper(target, "", zap.New(core))

	s.RunOnce(context.Background())

	if target.calls != 2 {
		t.Fatalf("expected both sweeps to run, got %d calls", target.calls)
	}
	if logs.FilterMessage("throttle sweep failed").Len() != 1 {
		t.Fatalf("expected the throttle failure to be logged")
	}
	swept := logs.FilterMessage("expired devices swept").All()
	if len(swept) != 1 || swept[0].ContextMap()["count"] != int64(3) {
		t.Fatalf("expected a device sweep log with count 3, got %+v", swept)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := NewSweeper(&fakeTarget{}, "not a schedule", nil)
	if err := s.Start(); err == nil {
		t.Fatalf("expected an invalid schedule to fail")
	}

	ok := NewSweeper(&fakeTarget{}, DefaultSchedule, nil)
	if err := ok.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ok.Stop(context.Background())
}
