package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSFTP_OverSSH(t *testing.T) {
	s := openMockSession(t, nil)
	client, err := NewSFTP(s.Client(), nil)
	require.NoError(t, err)
	defer client.Close()

	var tr Transferer = client
	ctx := context.Background()
	remote := filepath.Join(t.TempDir(), "libvirt_uuid_table")
	pulled := filepath.Join(t.TempDir(), "pulled")

	err = tr.Pull(ctx, remote, pulled)
	require.ErrorIs(t, err, ErrRemoteFileAbsent)

	data := tableBytes(300)
	local := writeLocal(t, data)
	require.NoError(t, tr.Push(ctx, local, remote))

	info, err := os.Stat(remote)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	require.NoError(t, tr.Pull(ctx, remote, pulled))
	got, err := os.ReadFile(pulled)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSFTP_PushMissingLocal(t *testing.T) {
	s := openMockSession(t, nil)
	client, err := NewSFTP(s.Client(), nil)
	require.NoError(t, err)
	defer client.Close()

	err = client.Push(context.Background(), filepath.Join(t.TempDir(), "nope"), "/tmp/x")
	var le *LocalError
	assert.ErrorAs(t, err, &le)
}

func TestNewSFTP_NilClient(t *testing.T) {
	_, err := NewSFTP(nil, nil)
	assert.Error(t, err)
}
