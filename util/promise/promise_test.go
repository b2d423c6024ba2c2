package promise

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAllRunsConcurrently(t *testing.T) {
	as := require.New(t)

	release := make(chan struct{})
	started := make(chan int, 3)
	jobs := make([]func(context.Context) (int, error), 3)
	for i := range jobs {
		jobs[i] = func(ctx context.Context) (int, error) {
			started <- i
			<-release
			return i * 10, nil
		}
	}

	done := make(chan struct{})
	var (
		results []int
		errs    []error
	)
	go func() {
		defer close(done)
		results, errs = All(context.Background(), jobs...)
	}()

	// every job must be running before any of them is allowed to finish
	for range jobs {
		select {
		case <-started:
		case <-time.After(time.Second * 5):
			as.FailNow("jobs are not running concurrently")
		}
	}
	close(release)
	<-done

	as.Equal([]int{0, 10, 20}, results)
	as.Equal([]error{nil, nil, nil}, errs)
}

func TestAllErrors(t *testing.T) {
	as := require.New(t)

	errFailed := errors.New("failed")
	results, errs := All(context.Background(),
		func(ctx context.Context) (string, error) {
			return "left", nil
		},
		func(ctx context.Context) (string, error) {
			return "ignored", errFailed
		},
	)

	as.Equal([]string{"left", ""}, results)
	as.NoError(errs[0])
	as.ErrorIs(errs[1], errFailed)
}

func TestAllCancelled(t *testing.T) {
	as := require.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()

	_, errs := All(ctx, func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	as.ErrorIs(errs[0], context.DeadlineExceeded)

	results, errs := All[bool](ctx)
	as.Empty(results)
	as.Empty(errs)
}
