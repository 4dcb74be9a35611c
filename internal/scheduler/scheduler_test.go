package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddSkipsEmptySpecAndRejectsInvalid(t *testing.T) {
	t.Parallel()

	s := New(nil)
	noop := func(context.Context) error { return nil }

	added, err := s.Add(Task{Name: "feed", Spec: "", Run: noop})
	require.NoError(t, err)
	require.False(t, added)

	added, err = s.Add(Task{Name: "scrape", Spec: "*/5 * * * *", Run: noop})
	require.NoError(t, err)
	require.True(t, added)

	_, err = s.Add(Task{Name: "scrape", Spec: "@hourly", Run: noop})
	require.ErrorContains(t, err, "already scheduled")

	_, err = s.Add(Task{Name: "cleanup", Spec: "every tuesday", Run: noop})
	require.Error(t, err)
	require.Equal(t, 1, s.Len())

	require.Error(t, s.Trigger("cleanup"))
}

func TestOverlappingTriggersAreSkipped(t *testing.T) {
	t.Parallel()

	s := New(nil)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var runs atomic.Int32
	_, err := s.Add(Task{Name: "scrape", Spec: "@every 1h", Run: func(context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = s.Trigger("scrape")
		close(done)
	}()
	<-started

	require.NoError(t, s.Trigger("scrape"))
	require.Equal(t, int32(1), runs.Load())

	close(release)
	<-done

	require.NoError(t, s.Trigger("scrape"))
	require.Equal(t, int32(2), runs.Load())
}

func TestTaskErrorsAndPanicsDoNotEscape(t *testing.T) {
	t.Parallel()

	s := New(nil)
	_, err := s.Add(Task{Name: "extract", Spec: "@daily", Run: func(context.Context) error {
		return errors.New("store unavailable")
	}})
	require.NoError(t, err)
	_, err = s.Add(Task{Name: "cleanup", Spec: "@daily", Run: func(context.Context) error {
		panic("boom")
	}})
	require.NoError(t, err)

	require.NotPanics(t, func() {
		require.NoError(t, s.Trigger("extract"))
		require.NoError(t, s.Trigger("cleanup"))
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := New(nil)
	_, err := s.Add(Task{Name: "feed", Spec: "@every 1s", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
