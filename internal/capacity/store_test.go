package capacity

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-settlement/internal/database/dbtest"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
)

type adminStore interface {
	Store
	Admin
}

func setupSQLStore(t *testing.T) adminStore {
	db := dbtest.NewSQLite(t, (*models.EventCapacity)(nil))
	return NewSQLStore(db, logger.NewWithWriter(io.Discard))
}

func setupRedisStore(t *testing.T) adminStore {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedisStore(client, logger.NewWithWriter(io.Discard))
}

var backends = map[string]func(t *testing.T) adminStore{
	"sql":   setupSQLStore,
	"redis": setupRedisStore,
}

func provision(t *testing.T, s adminStore, kind models.BookingKind, eventID string, remaining int, active bool) {
	t.Helper()
	require.NoError(t, s.Provision(context.Background(), models.EventCapacity{
		Kind:      kind,
		EventID:   eventID,
		Title:     "Stage " + eventID,
		Date:      "2026-07-14",
		Remaining: remaining,
		Active:    active,
	}))
}

func TestReserve(t *testing.T) {
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := setup(t)
			provision(t, s, models.KindTraineeship, "evt-1", 5, true)

			res, err := s.Reserve(ctx, models.KindTraineeship, "evt-1", 3)
			require.NoError(t, err)
			assert.True(t, res.Reserved)
			assert.Equal(t, 2, res.RemainingAfter)

			res, err = s.Reserve(ctx, models.KindTraineeship, "evt-1", 3)
			require.NoError(t, err)
			assert.False(t, res.Reserved, "a request larger than what is left must not reserve")

			res, err = s.Reserve(ctx, models.KindTraineeship, "evt-1", 2)
			require.NoError(t, err)
			assert.True(t, res.Reserved)
			assert.Equal(t, 0, res.RemainingAfter)

			record, err := s.Get(ctx, models.KindTraineeship, "evt-1")
			require.NoError(t, err)
			assert.Equal(t, 0, record.Remaining)
		})
	}
}

func TestReserve_KindScopesTheEvent(t *testing.T) {
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := setup(t)
			provision(t, s, models.KindShow, "42", 10, true)

			_, err := s.Reserve(ctx, models.KindTraineeship, "42", 1)
			assert.ErrorIs(t, err, ErrUnknownEvent)

			res, err := s.Reserve(ctx, models.KindShow, "42", 4)
			require.NoError(t, err)
			assert.Equal(t, 6, res.RemainingAfter)
		})
	}
}

func TestReserve_InactiveEventIsExhausted(t *testing.T) {
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := setup(t)
			provision(t, s, models.KindClassicCourse, "c-1", 8, false)

			res, err := s.Reserve(ctx, models.KindClassicCourse, "c-1", 1)
			require.NoError(t, err)
			assert.False(t, res.Reserved)

			record, err := s.Get(ctx, models.KindClassicCourse, "c-1")
			require.NoError(t, err)
			assert.Equal(t, 8, record.Remaining)
		})
	}
}

func TestReserve_RejectsNonPositivePlaces(t *testing.T) {
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			s := setup(t)
			provision(t, s, models.KindShow, "s-1", 3, true)

			for _, places := range []int{0, -2} {
				_, err := s.Reserve(context.Background(), models.KindShow, "s-1", places)
				assert.ErrorIs(t, err, ErrInvalidPlaces)
			}

			record, err := s.Get(context.Background(), models.KindShow, "s-1")
			require.NoError(t, err)
			assert.Equal(t, 3, record.Remaining)
		})
	}
}

func TestReserve_ConcurrentDoesNotOversell(t *testing.T) {
	const capacity, requests = 7, 25

	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := setup(t)
			provision(t, s, models.KindTrialCourse, "trial-1", capacity, true)

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				reserved  int
				exhausted int
			)
			for i := 0; i < requests; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := s.Reserve(ctx, models.KindTrialCourse, "trial-1", 1)
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if res.Reserved {
						reserved++
					} else {
						exhausted++
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, capacity, reserved)
			assert.Equal(t, requests-capacity, exhausted)

			record, err := s.Get(ctx, models.KindTrialCourse, "trial-1")
			require.NoError(t, err)
			assert.Equal(t, 0, record.Remaining)
		})
	}
}

func TestRelease(t *testing.T) {
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := setup(t)
			provision(t, s, models.KindShow, "s-2", 4, true)

			_, err := s.Reserve(ctx, models.KindShow, "s-2", 3)
			require.NoError(t, err)
			require.NoError(t, s.Release(ctx, models.KindShow, "s-2", 3))

			record, err := s.Get(ctx, models.KindShow, "s-2")
			require.NoError(t, err)
			assert.Equal(t, 4, record.Remaining)

			assert.ErrorIs(t, s.Release(ctx, models.KindShow, "missing", 1), ErrUnknownEvent)
			assert.ErrorIs(t, s.Release(ctx, models.KindShow, "s-2", 0), ErrInvalidPlaces)
		})
	}
}

func TestProvisionGetList(t *testing.T) {
	for name, setup := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := setup(t)
			provision(t, s, models.KindShow, "b", 2, true)
			provision(t, s, models.KindShow, "a", 9, true)
			provision(t, s, models.KindShow, "a", 12, false)

			record, err := s.Get(ctx, models.KindShow, "a")
			require.NoError(t, err)
			assert.Equal(t, 12, record.Remaining)
			assert.False(t, record.Active)
			assert.Equal(t, "Stage a", record.Title)

			records, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "a", records[0].EventID)
			assert.Equal(t, "b", records[1].EventID)

			_, err = s.Get(ctx, models.KindShow, "nope")
			assert.ErrorIs(t, err, ErrUnknownEvent)
		})
	}
}

func TestProvision_Validates(t *testing.T) {
	s := setupSQLStore(t)
	ctx := context.Background()

	err := s.Provision(ctx, models.EventCapacity{Kind: "concert", EventID: "x", Remaining: 1})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	err = s.Provision(ctx, models.EventCapacity{Kind: models.KindShow, Remaining: 1})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	err = s.Provision(ctx, models.EventCapacity{Kind: models.KindShow, EventID: "x", Remaining: -1})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}
