package homeserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bel-os/keysafe/internal/keybackup"
)

func TestAPIErrorMapsToSentinels(t *testing.T) {
	wrongVersion := &APIError{StatusCode: 403, Code: ErrCodeWrongRoomKeysVersion, Message: "superseded"}
	assert.True(t, errors.Is(wrongVersion, keybackup.ErrWrongBackupVersion))
	assert.False(t, errors.Is(wrongVersion, keybackup.ErrNotFound))

	notFound := &APIError{StatusCode: 404, Code: ErrCodeNotFound, Message: "gone"}
	assert.True(t, errors.Is(notFound, keybackup.ErrNotFound))

	other := &APIError{StatusCode: 429, Code: "M_LIMIT_EXCEEDED", Message: "slow down"}
	assert.False(t, errors.Is(other, keybackup.ErrWrongBackupVersion))
	assert.False(t, errors.Is(other, keybackup.ErrNotFound))
}

func TestParseAPIError(t *testing.T) {
	err := parseAPIError(403, []byte(`{"errcode":"M_WRONG_ROOM_KEYS_VERSION","error":"nope"}`))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrCodeWrongRoomKeysVersion, apiErr.Code)
	assert.Equal(t, 403, apiErr.StatusCode)

	// Non-protocol bodies still produce a usable error.
	err = parseAPIError(502, []byte("<html>bad gateway</html>"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, keybackup.ErrNotFound)
}

func testVersionBody(t *testing.T) *keybackup.BackupVersion {
	t.Helper()
	raw, err := json.Marshal(keybackup.AuthData{PublicKey: "cHVibGlja2V5"})
	require.NoError(t, err)
	return &keybackup.BackupVersion{Algorithm: keybackup.BackupAlgorithm, AuthData: raw}
}

func TestMockVersionLifecycle(t *testing.T) {
	ctx := context.Background()
	mock := NewMock()

	latest, err := mock.GetLatestVersion(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest, "no backup must be a null success, not an error")

	first, err := mock.CreateVersion(ctx, testVersionBody(t))
	require.NoError(t, err)
	second, err := mock.CreateVersion(ctx, testVersionBody(t))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	latest, err = mock.GetLatestVersion(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second, latest.Version)

	fetched, err := mock.GetVersion(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first, fetched.Version)

	_, err = mock.GetVersion(ctx, "999")
	assert.True(t, errors.Is(err, keybackup.ErrNotFound))

	require.NoError(t, mock.DeleteVersion(ctx, second))
	latest, err = mock.GetLatestVersion(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestMockUploadVersionSemantics(t *testing.T) {
	ctx := context.Background()
	mock := NewMock()

	first, err := mock.CreateVersion(ctx, testVersionBody(t))
	require.NoError(t, err)

	keys := &keybackup.KeysBackupData{
		Rooms: map[string]keybackup.RoomKeysBackupData{
			"!room:example.org": {Sessions: map[string]keybackup.KeyBackupData{
				"session1": {FirstMessageIndex: 0},
			}},
		},
	}
	require.NoError(t, mock.UploadKeys(ctx, first, keys))
	assert.Equal(t, 1, mock.StoredKeyCount(first))

	// A second version supersedes the first; uploads against it now fail.
	_, err = mock.CreateVersion(ctx, testVersionBody(t))
	require.NoError(t, err)
	err = mock.UploadKeys(ctx, first, keys)
	assert.True(t, errors.Is(err, keybackup.ErrWrongBackupVersion))
}

func TestMockGetKeysScoping(t *testing.T) {
	ctx := context.Background()
	mock := NewMock()
	version, err := mock.CreateVersion(ctx, testVersionBody(t))
	require.NoError(t, err)

	keys := &keybackup.KeysBackupData{
		Rooms: map[string]keybackup.RoomKeysBackupData{
			"!a:example.org": {Sessions: map[string]keybackup.KeyBackupData{
				"s1": {}, "s2": {},
			}},
			"!b:example.org": {Sessions: map[string]keybackup.KeyBackupData{
				"s3": {},
			}},
		},
	}
	require.NoError(t, mock.UploadKeys(ctx, version, keys))

	all, err := mock.GetKeys(ctx, version, "", "")
	require.NoError(t, err)
	assert.Equal(t, 3, all.SessionCount())

	room, err := mock.GetKeys(ctx, version, "!a:example.org", "")
	require.NoError(t, err)
	assert.Equal(t, 2, room.SessionCount())

	single, err := mock.GetKeys(ctx, version, "!b:example.org", "s3")
	require.NoError(t, err)
	assert.Equal(t, 1, single.SessionCount())

	none, err := mock.GetKeys(ctx, version, "!b:example.org", "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, none.SessionCount())
}
