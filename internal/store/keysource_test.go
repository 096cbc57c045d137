package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/malclient/malauth/internal/auth/mal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestFileKeySourceCreatesAndReusesKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "master.key")
	src := &FileKeySource{Path: path}

	first, err := src.Key(context.Background())
	require.NoError(t, err)
	assert.Len(t, first, MasterKeySize)

	if runtime.GOOS != "windows" {
		info, errStat := os.Stat(path)
		require.NoError(t, errStat)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	second, err := (&FileKeySource{Path: path}).Key(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFileKeySourceRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte("bm90IGEga2V5"), 0o600))
	_, err := (&FileKeySource{Path: path}).Key(context.Background())
	assert.ErrorIs(t, err, errMasterKeyLength)
}

func TestKeyringKeySourceCreatesAndReusesKey(t *testing.T) {
	keyring.MockInit()

	src := &KeyringKeySource{User: "client-a"}
	first, err := src.Key(context.Background())
	require.NoError(t, err)
	assert.Len(t, first, MasterKeySize)

	second, err := (&KeyringKeySource{User: "client-a"}).Key(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := (&KeyringKeySource{User: "client-b"}).Key(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
	assert.Equal(t, "keyring:malauth/client-a", src.ID())
}

func TestPassphraseKeySourceIsDeterministicPerClient(t *testing.T) {
	a1, err := (&PassphraseKeySource{Passphrase: "correct horse", ClientID: "one"}).Key(context.Background())
	require.NoError(t, err)
	a2, err := (&PassphraseKeySource{Passphrase: "correct horse", ClientID: "one"}).Key(context.Background())
	require.NoError(t, err)
	b, err := (&PassphraseKeySource{Passphrase: "correct horse", ClientID: "two"}).Key(context.Background())
	require.NoError(t, err)

	assert.Len(t, a1, MasterKeySize)
	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)

	_, err = (&PassphraseKeySource{ClientID: "one"}).Key(context.Background())
	assert.Error(t, err)
}

func TestAutoKeySourceFallsBackToFile(t *testing.T) {
	keyring.MockInitWithError(errors.New("no dbus"))
	t.Cleanup(keyring.MockInit)

	path := filepath.Join(t.TempDir(), "master.key")
	src := &AutoKeySource{Keyring: &KeyringKeySource{User: "c"}, File: &FileKeySource{Path: path}}
	_, err := src.Key(context.Background())
	require.Error(t, err, "reading must not create a key file")
	assert.NoFileExists(t, path)
	assert.Equal(t, "auto", src.ID())

	key, err := src.SealingKey(context.Background())
	require.NoError(t, err)
	assert.Len(t, key, MasterKeySize)
	assert.FileExists(t, path)
	assert.Equal(t, "file:"+path, src.ID())
}

func TestAutoKeySourcePrefersKeyring(t *testing.T) {
	keyring.MockInit()

	path := filepath.Join(t.TempDir(), "master.key")
	src := &AutoKeySource{Keyring: &KeyringKeySource{User: "auto"}, File: &FileKeySource{Path: path}}
	_, err := src.Key(context.Background())
	require.NoError(t, err)
	assert.NoFileExists(t, path)
	assert.Equal(t, "keyring:malauth/auto", src.ID())
}

func TestStaticKey(t *testing.T) {
	key := StaticKey(testMasterKey(9))
	got, err := key.Key(context.Background())
	require.NoError(t, err)
	got[0] = 0
	again, _ := key.Key(context.Background())
	assert.Equal(t, byte(9), again[0])

	_, err = StaticKey([]byte("x")).Key(context.Background())
	assert.Error(t, err)
}

func TestAutoKeySourceSurvivesKeyringOutage(t *testing.T) {
	keyring.MockInit()
	t.Cleanup(keyring.MockInit)

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "master.key")
	newAuto := func() *AutoKeySource {
		return &AutoKeySource{Keyring: &KeyringKeySource{User: "outage"}, File: &FileKeySource{Path: keyPath}}
	}
	backend := NewFileBackend(filepath.Join(dir, "token.malt"))
	ts := &mal.TokenSet{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, New(backend, newAuto()).Save(context.Background(), ts))
	secret, err := keyring.Get(KeyringService, "outage")
	require.NoError(t, err)

	keyring.MockInitWithError(errors.New("dbus: connection refused"))
	_, err = New(backend, newAuto()).Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, keyPath)

	keyring.MockInit()
	require.NoError(t, keyring.Set(KeyringService, "outage", secret))
	keys := newAuto()
	loaded, err := New(backend, keys).Load(context.Background())
	require.NoError(t, err)
	assert.True(t, loaded.Equal(ts))
	assert.Equal(t, "keyring:malauth/outage", keys.ID())
}
