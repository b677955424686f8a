package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hub-sync-service/internal/entity"
	"hub-sync-service/internal/store"
)

type recorderFunc func(ctx context.Context, c *store.Conflict) error

func (f recorderFunc) CreateConflict(ctx context.Context, c *store.Conflict) error {
	return f(ctx, c)
}

func conflictRecord(hubAt, storeAt time.Time) *entity.Record {
	return &entity.Record{
		EntityType:     entity.Contacts,
		HubID:          "h-1",
		StoreID:        "s-1",
		HubPayload:     contact("Ada", "hub@example.com", ""),
		StorePayload:   contact("Ada", "store@example.com", ""),
		UpdatedAtHub:   hubAt,
		UpdatedAtStore: storeAt,
	}
}

func TestLastWriteWins(t *testing.T) {
	r := NewResolver(nil, func() time.Time { return at(10, 0) })

	cases := []struct {
		name    string
		hubAt   time.Time
		storeAt time.Time
		winner  Side
	}{
		{"store later", at(9, 1), at(9, 2), SideStore},
		{"hub later", at(9, 2), at(9, 1), SideHub},
		{"tie", at(9, 1), at(9, 1), SideHub},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := conflictRecord(tc.hubAt, tc.storeAt)
			res := r.Resolve(rec)
			assert.Equal(t, tc.winner, res.Winner)
			assert.NotEqual(t, res.Winner, res.Loser)
			assert.True(t, res.ResolvedAt.Equal(at(10, 0)))

			want := rec.HubPayload
			if tc.winner == SideStore {
				want = rec.StorePayload
			}
			assert.True(t, want.Equal(res.Payload))

			// Same inputs, same outcome.
			assert.Equal(t, res.Winner, r.Resolve(rec).Winner)
		})
	}
}

func TestRecordConflictKeepsBothSnapshots(t *testing.T) {
	var got *store.Conflict
	r := NewResolver(recorderFunc(func(ctx context.Context, c *store.Conflict) error {
		got = c
		return nil
	}), func() time.Time { return at(10, 0) })

	rec := conflictRecord(at(9, 0), at(9, 5))
	res := r.Resolve(rec)
	require.NoError(t, r.RecordConflict(context.Background(), rec, res))

	require.NotNil(t, got)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "contacts", got.EntityType)
	assert.Equal(t, "store", got.Winner.String)
	assert.Equal(t, "last_write_wins", got.ResolutionStrategy.String)
	assert.True(t, got.Resolved)
	assert.JSONEq(t, `{"full_name":"Ada","email":"hub@example.com","phone":null}`, string(got.HubData))
	assert.Contains(t, string(got.StoreData), "store@example.com")
}
