package calls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirecall/internal/store"
)

func TestSounds(t *testing.T) {
	h := newHarness(t)

	names, err := h.svc.Sounds()
	require.NoError(t, err)
	assert.Equal(t, []string{"alarm.mp3"}, names)
}

func TestSetEntranceSound(t *testing.T) {
	ctx := context.Background()

	t.Run("given an installed sound when picking it then joins announce it", func(t *testing.T) {
		h := newHarness(t)

		url, err := h.svc.SetEntranceSound(ctx, h.w, "alarm.mp3")
		require.NoError(t, err)
		assert.Equal(t, "/sounds/alarm.mp3", url)

		u, err := h.store.GetUserByID(ctx, h.w)
		require.NoError(t, err)
		assert.Equal(t, "alarm.mp3", u.EntranceSound)
	})

	t.Run("given an empty name when picking then the default is restored", func(t *testing.T) {
		h := newHarness(t)

		url, err := h.svc.SetEntranceSound(ctx, h.v, "")
		require.NoError(t, err)
		assert.Equal(t, "/sounds/default.mp3", url)
	})

	for _, name := range []string{"missing.mp3", "../alarm.mp3", "sub/alarm.mp3", ".."} {
		t.Run("given "+name+" when picking then it is refused", func(t *testing.T) {
			h := newHarness(t)

			_, err := h.svc.SetEntranceSound(ctx, h.u, name)
			assert.ErrorIs(t, err, ErrUnknownSound)
		})
	}

	t.Run("given an unknown user when picking then user not found", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.svc.SetEntranceSound(ctx, 999, "alarm.mp3")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.Start(ctx, h.u, h.room.ID, nil)
	require.NoError(t, err)
	require.NoError(t, h.svc.Leave(ctx, h.u))

	messages, err := h.svc.History(ctx, h.v, h.room.ID, 10, nil)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.MessageKindCallEnd, messages[0].Kind)
	assert.Contains(t, messages[0].Body, "call ended after")

	outsider, err := h.store.CreateUser(ctx, "olga", "")
	require.NoError(t, err)
	_, err = h.svc.History(ctx, outsider.ID, h.room.ID, 10, nil)
	assert.ErrorIs(t, err, ErrNotRoomMember)
}
