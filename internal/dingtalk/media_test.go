package dingtalk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newMediaTestService(doer *fakeDoer) (*MediaService, *TokenCache) {
	log := testLogger()
	client := NewClient(doer, log)
	tokens := NewTokenCache(client, log)
	return NewMediaService(client, doer, tokens, log), tokens
}

func TestUploadRejectsOversizeBeforeNetwork(t *testing.T) {
	t.Parallel()

	doer := newFakeDoer()
	media, tokens := newMediaTestService(doer)
	seedToken(tokens, "client1", "tok1")

	path := filepath.Join(t.TempDir(), "big.mp3")
	require.NoError(t, os.WriteFile(path, make([]byte, maxVoiceBytes+1), 0o600))

	_, err := media.Upload(context.Background(), sendTestConfig(), path, "voice")
	require.Error(t, err)
	require.Contains(t, err.Error(), "size limit")
	require.Empty(t, doer.calls)
}

func TestUploadMissingFile(t *testing.T) {
	t.Parallel()

	doer := newFakeDoer()
	media, tokens := newMediaTestService(doer)
	seedToken(tokens, "client1", "tok1")

	_, err := media.Upload(context.Background(), sendTestConfig(), filepath.Join(t.TempDir(), "nope.png"), "image")
	require.Error(t, err)
	require.Empty(t, doer.calls)
}

func TestUploadSuccess(t *testing.T) {
	t.Parallel()

	doer := newFakeDoer()
	doer.queue("/media/upload", 200, `{"errcode":0,"errmsg":"ok","media_id":"@media123"}`)
	media, tokens := newMediaTestService(doer)
	seedToken(tokens, "client1", "tok1")

	path := filepath.Join(t.TempDir(), "pic.png")
	require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0o600))

	mediaID, err := media.Upload(context.Background(), sendTestConfig(), path, "image")
	require.NoError(t, err)
	require.Equal(t, "@media123", mediaID)

	calls := doer.callsTo("/media/upload")
	require.Len(t, calls, 1)
	require.Contains(t, calls[0].Body, "png-bytes")
	require.Contains(t, calls[0].Body, `name="type"`)
}

func TestUploadPlatformError(t *testing.T) {
	t.Parallel()

	doer := newFakeDoer()
	doer.queue("/media/upload", 200, `{"errcode":40001,"errmsg":"invalid token"}`)
	media, tokens := newMediaTestService(doer)
	seedToken(tokens, "client1", "tok1")

	path := filepath.Join(t.TempDir(), "pic.png")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	_, err := media.Upload(context.Background(), sendTestConfig(), path, "image")
	require.Error(t, err)
	require.Contains(t, err.Error(), "40001")
}

func TestDownloadRequiresRobotCode(t *testing.T) {
	t.Parallel()

	media, tokens := newMediaTestService(newFakeDoer())
	seedToken(tokens, "client1", "tok1")

	cfg := sendTestConfig()
	cfg.RobotCode = ""
	_, _, err := media.Download(context.Background(), cfg, "dl-code")
	require.ErrorIs(t, err, ErrRobotCodeRequired)
}

func TestCleanupOrphanedTempFiles(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	media, _ := newMediaTestService(newFakeDoer())

	stale := filepath.Join(tmp, "dingtalk_1700000000000.png")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o600))
	old := time.Now().Add(-25 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(tmp, "dingtalk_1700000000001.png")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o600))

	unrelated := filepath.Join(tmp, "other_file.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("x"), 0o600))
	require.NoError(t, os.Chtimes(unrelated, old, old))

	require.Equal(t, 1, media.CleanupOrphanedTempFiles())

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
	_, err = os.Stat(unrelated)
	require.NoError(t, err)
}
