package backup_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/clusterforge/clusterforge/store"
)

func TestRestore_InPlaceReplacesWorkspaceAndRestarts(t *testing.T) {
	backupEngine, engine, repos, fs := newTestFixture(t)
	c := createClusterWithFile(t, engine)

	rec, err := repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, rec.WorkspacePath+"/marker.txt", []byte("original"), 0o644))

	backupRec, err := backupEngine.Snapshot(context.Background(), c.ID, "FULL", "pre-change snapshot")
	require.NoError(t, err)

	// Mutate the workspace after the snapshot so restore has something to undo.
	require.NoError(t, afero.WriteFile(fs, rec.WorkspacePath+"/marker.txt", []byte("corrupted"), 0o644))
	require.NoError(t, afero.WriteFile(fs, rec.WorkspacePath+"/extra.txt", []byte("should be removed"), 0o644))

	restored, err := backupEngine.Restore(context.Background(), backupRec.ID, c.ID, admin)
	require.NoError(t, err)
	require.Equal(t, c.ID, restored.ID)

	content, err := afero.ReadFile(fs, rec.WorkspacePath+"/marker.txt")
	require.NoError(t, err)
	require.Equal(t, "original", string(content))

	exists, err := afero.Exists(fs, rec.WorkspacePath+"/extra.txt")
	require.NoError(t, err)
	require.False(t, exists, "restore must clear files added after the snapshot")

	finalRec, err := repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateRunning, finalRec.State)
}

func TestRestore_AsNewClusterUsesManifestTemplate(t *testing.T) {
	backupEngine, engine, repos, fs := newTestFixture(t)
	c := createClusterWithFile(t, engine)

	rec, err := repos.Clusters.Get(c.ID)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, rec.WorkspacePath+"/marker.txt", []byte("snapshotted"), 0o644))

	backupRec, err := backupEngine.Snapshot(context.Background(), c.ID, "FULL", "manual")
	require.NoError(t, err)

	newCluster, err := backupEngine.Restore(context.Background(), backupRec.ID, "", admin)
	require.NoError(t, err)
	require.NotEqual(t, c.ID, newCluster.ID)

	newRec, err := repos.Clusters.Get(newCluster.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateRunning, newRec.State)
	require.Equal(t, "web", newRec.TemplateName)

	content, err := afero.ReadFile(fs, newRec.WorkspacePath+"/marker.txt")
	require.NoError(t, err)
	require.Equal(t, "snapshotted", string(content))
}

func TestRestore_RejectsChecksumMismatch(t *testing.T) {
	backupEngine, engine, repos, fs := newTestFixture(t)
	c := createClusterWithFile(t, engine)

	backupRec, err := backupEngine.Snapshot(context.Background(), c.ID, "FULL", "manual")
	require.NoError(t, err)

	// Corrupt the archive after the checksum was computed.
	require.NoError(t, afero.WriteFile(fs, backupRec.ArchivePath, []byte("tampered"), 0o644))

	_, err = backupEngine.Restore(context.Background(), backupRec.ID, c.ID, admin)
	require.Error(t, err, "a tampered archive must fail checksum verification and abort the restore")
}
