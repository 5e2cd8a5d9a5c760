package janitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webchain-artifacts/internal/artifact"
	"github.com/JakeFAU/webchain-artifacts/internal/cache/disk"
	"github.com/JakeFAU/webchain-artifacts/internal/hash/sha256"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingVacuumer struct {
	calls atomic.Int32
	err   error
}

func (v *countingVacuumer) Vacuum(context.Context) (disk.VacuumReport, error) {
	v.calls.Add(1)
	return disk.VacuumReport{Expired: 1}, v.err
}

func (v *countingVacuumer) Len() int { return 3 }

type countingRefresher struct {
	calls atomic.Int32
}

func (r *countingRefresher) RefreshStale(context.Context) (int, error) {
	r.calls.Add(1)
	return 1, nil
}

func (r *countingRefresher) Kind() artifact.Kind { return artifact.KindScreenshot }

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)

	_, err = New(Config{}, []Store{{Kind: artifact.KindFavicon}})
	require.Error(t, err)
}

func TestRunOnceVacuumsThenRefreshes(t *testing.T) {
	t.Parallel()

	failing := &countingVacuumer{err: errors.New("disk gone")}
	healthy := &countingVacuumer{}
	refresher := &countingRefresher{}
	var reports []artifact.Kind
	j, err := New(Config{
		OnVacuum: func(kind artifact.Kind, report disk.VacuumReport, remaining int) {
			require.Equal(t, 1, report.Expired)
			require.Equal(t, 3, remaining)
			reports = append(reports, kind)
		},
	}, []Store{
		{Kind: artifact.KindFavicon, Cache: failing},
		{Kind: artifact.KindScreenshot, Cache: healthy},
	}, refresher)
	require.NoError(t, err)

	j.RunOnce(context.Background())

	require.EqualValues(t, 1, failing.calls.Load())
	require.EqualValues(t, 1, healthy.calls.Load())
	require.EqualValues(t, 1, refresher.calls.Load())
	require.Equal(t, []artifact.Kind{artifact.KindScreenshot}, reports)
}

func TestRunOnceStopsWhenCanceled(t *testing.T) {
	t.Parallel()

	v := &countingVacuumer{}
	r := &countingRefresher{}
	j, err := New(Config{}, []Store{{Kind: artifact.KindFavicon, Cache: v}}, r)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j.RunOnce(ctx)

	require.Zero(t, v.calls.Load())
	require.Zero(t, r.calls.Load())
}

func TestStartRunsPeriodicallyUntilClosed(t *testing.T) {
	t.Parallel()

	v := &countingVacuumer{}
	j, err := New(Config{Interval: 5 * time.Millisecond}, []Store{{Kind: artifact.KindFavicon, Cache: v}})
	require.NoError(t, err)

	j.Start()
	j.Start()
	require.Eventually(t, func() bool { return v.calls.Load() >= 3 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, j.Close(ctx))
	require.NoError(t, j.Close(ctx))

	after := v.calls.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, after, v.calls.Load())
}

func TestCloseWithoutStart(t *testing.T) {
	t.Parallel()

	j, err := New(Config{}, nil, &countingRefresher{})
	require.NoError(t, err)
	require.NoError(t, j.Close(context.Background()))
}

func TestBaseContextStopsLoop(t *testing.T) {
	t.Parallel()

	base, cancel := context.WithCancel(context.Background())
	v := &countingVacuumer{}
	j, err := New(Config{Interval: time.Hour, BaseContext: base}, []Store{{Kind: artifact.KindFavicon, Cache: v}})
	require.NoError(t, err)

	j.Start()
	require.Eventually(t, func() bool { return v.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.NoError(t, j.Close(ctx))
}

func TestRunOnceSweepsDiskStore(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	fs := afero.NewMemMapFs()
	store, err := disk.New(disk.Config{Dir: "/cache", FreshFor: time.Hour, Grace: time.Hour}, fs, clock, sha256.New(), nil)
	require.NoError(t, err)
	ctx := context.Background()
	art := artifact.Artifact{Body: []byte("webp"), ContentType: "image/webp"}

	_, err = store.Put(ctx, "https://a.example/", art, time.Minute)
	require.NoError(t, err)
	_, err = store.Put(ctx, "https://c.example/", art, 24*time.Hour)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	var got disk.VacuumReport
	j, err := New(Config{
		OnVacuum: func(_ artifact.Kind, report disk.VacuumReport, remaining int) {
			got = report
			require.Equal(t, 1, remaining)
		},
	}, []Store{{Kind: artifact.KindScreenshot, Cache: store}})
	require.NoError(t, err)

	j.RunOnce(ctx)

	require.Equal(t, 1, got.Expired)
	require.Equal(t, 1, store.Len())
}
