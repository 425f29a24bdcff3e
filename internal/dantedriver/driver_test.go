package dantedriver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromDisk_AvailableAndLeasedCredentials(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice.password"), []byte("secret1\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.password"), []byte("secret2\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.password.used"), []byte("1700000000000"), 0o600))

	d := New(zerolog.Nop(), dir, t.TempDir(), "1.2.3.4", 1080, false)
	creds, err := d.LoadFromDisk()
	require.NoError(t, err)
	require.Len(t, creds, 2)

	byUser := map[string]int{}
	for i, c := range creds {
		byUser[c.Username] = i
	}

	alice := creds[byUser["alice"]]
	assert.True(t, alice.Available)
	assert.Equal(t, "secret1", alice.Password)
	assert.Equal(t, int64(0), alice.ExpiresAt)

	bob := creds[byUser["bob"]]
	assert.False(t, bob.Available)
	assert.Equal(t, int64(1700000000000), bob.ExpiresAt)
}

func TestRegenerate_ConsumesTriggerAndReadsNewPassword(t *testing.T) {
	passDir := t.TempDir()
	regenDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(passDir, "carol.password"), []byte("old"), 0o600))

	d := New(zerolog.Nop(), passDir, regenDir, "1.2.3.4", 1080, false)

	go func() {
		triggerPath := filepath.Join(regenDir, "carol")
		for {
			if _, err := os.Stat(triggerPath); err == nil {
				os.WriteFile(filepath.Join(passDir, "carol.password"), []byte("new-secret"), 0o600)
				os.Remove(triggerPath)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	password, err := d.Regenerate(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "new-secret", password)
}

func TestRegenerate_TimesOutWhenDaemonNeverConsumesTrigger(t *testing.T) {
	passDir := t.TempDir()
	regenDir := t.TempDir()
	d := New(zerolog.Nop(), passDir, regenDir, "1.2.3.4", 1080, false)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Regenerate(ctx, "dave")
	assert.Error(t, err)
}

func TestMockMode(t *testing.T) {
	d := New(zerolog.Nop(), t.TempDir(), t.TempDir(), "1.2.3.4", 1080, true)
	require.NoError(t, d.Ready(context.Background(), time.Second))
	assert.True(t, d.Initialized())

	password, err := d.Regenerate(context.Background(), "eve")
	require.NoError(t, err)
	assert.Equal(t, "mock-password-eve", password)
}
