package notify

import (
	"context"
	"testing"
	"time"

	"inventory_engine/internal/model"
	"inventory_engine/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(id string, at time.Time) *model.Notification {
	return &model.Notification{
		ID:        id,
		EventID:   "e1",
		UserID:    "u1",
		Channel:   model.ChannelEmail,
		ProductID: "P",
		Status:    model.NotificationPending,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestRepository_Claim(t *testing.T) {
	db := testutil.NewSQLite(t)
	repo := NewRepository(db)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ok, err := repo.Claim(ctx, pending("n1", t0), time.Minute, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	// 同一键、仍在 lease 内
	ok, err = repo.Claim(ctx, pending("n2", t0), time.Minute, t0.Add(30*time.Second))
	assert.ErrorIs(t, err, ErrNotificationInFlight)
	assert.False(t, ok)
	ok, err = repo.Claim(ctx, pending("n2", t0), 0, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotificationInFlight, "zero lease never takes over")
	assert.False(t, ok)

	// lease 过期，接手原记录
	n := pending("n3", t0)
	ok, err = repo.Claim(ctx, n, time.Minute, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "n1", n.ID)

	// 紧接着的第二个接手者失败
	ok, err = repo.Claim(ctx, pending("n4", t0), time.Minute, t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrNotificationInFlight)
	assert.False(t, ok)

	require.NoError(t, repo.MarkSent(ctx, "n1", 1, t0.Add(3*time.Minute)))
	ok, err = repo.Claim(ctx, pending("n5", t0), time.Minute, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "terminal notifications are never re-claimed")

	got, err := repo.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSent, got.Status)
	require.NotNil(t, got.SentAt)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotificationNotFound)
}

func TestRepository_List(t *testing.T) {
	db := testutil.NewSQLite(t)
	repo := NewRepository(db)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, user := range []string{"u1", "u2", "u3"} {
		n := pending("n-"+user, t0.Add(time.Duration(i)*time.Second))
		n.UserID = user
		ok, err := repo.Claim(ctx, n, 0, t0)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, repo.MarkFailed(ctx, "n-u2", 3, assert.AnError, t0))

	failed, total, err := repo.List(ctx, ListFilter{Status: model.NotificationFailed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, failed, 1)
	assert.Equal(t, "n-u2", failed[0].ID)
	assert.Equal(t, 3, failed[0].Attempts)

	page, total, err := repo.List(ctx, ListFilter{EventID: "e1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.Equal(t, "n-u3", page[0].ID, "newest first")
}

func TestGormDirectory_Targets(t *testing.T) {
	db := testutil.NewSQLite(t)
	ctx := context.Background()
	require.NoError(t, db.Create(&[]model.Recipient{
		{UserID: "u1", Email: "u1@example.com", Name: "Ada"},
		{UserID: "u2", Email: "u2@example.com"},
	}).Error)
	require.NoError(t, db.Create(&[]model.Subscription{
		{UserID: "u1", ProductID: "P"},
		{UserID: "u1", ProductID: model.AllProducts},
		{UserID: "u2", ProductID: model.AllProducts},
		{UserID: "u3", ProductID: "Q"},
		{UserID: "u4", ProductID: "P"},
	}).Error)
	require.NoError(t, db.Create(&[]model.NotificationPreference{
		{UserID: "u1", Channel: model.ChannelEmail, Enabled: true},
		{UserID: "u1", Channel: model.ChannelInApp, Enabled: false},
		{UserID: "u2", Channel: model.ChannelInApp, Enabled: true},
		{UserID: "u3", Channel: model.ChannelEmail, Enabled: true},
		{UserID: "u4", Channel: model.ChannelInApp, Enabled: true},
	}).Error)

	targets, err := NewGormDirectory(db).Targets(ctx, "P")
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.Equal(t, Target{UserID: "u1", Name: "Ada", Email: "u1@example.com", Channel: model.ChannelEmail}, targets[0])
	assert.Equal(t, Target{UserID: "u2", Email: "u2@example.com", Channel: model.ChannelInApp}, targets[1])
	assert.Equal(t, Target{UserID: "u4", Channel: model.ChannelInApp}, targets[2], "no recipient row")
}

func TestCursorStore(t *testing.T) {
	cs := NewCursorStore(testutil.NewSQLite(t))
	ctx := context.Background()

	got, err := cs.Load(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "0", got)

	require.NoError(t, cs.Save(ctx, "d", "1-0"))
	require.NoError(t, cs.Save(ctx, "d", "2-0"))
	got, err = cs.Load(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "2-0", got)
}
