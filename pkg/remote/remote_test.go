package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Capability = (*SSHCapability)(nil)
	_ Capability = (*MockCapability)(nil)
)

func TestMockCapability_FileRoundTrip(t *testing.T) {
	m := NewMockCapability()
	ctx := context.Background()

	assert.False(t, m.CheckFileExists(ctx, "h1", "/tmp/out.json"))

	m.SetFile("h1", "/tmp/out.json", `{"ok":true}`)
	assert.True(t, m.CheckFileExists(ctx, "h1", "/tmp/out.json"))

	size, ok := m.GetRemoteFileSize(ctx, "h1", "/tmp/out.json")
	require.True(t, ok)
	assert.Equal(t, int64(len(`{"ok":true}`)), size)
}

func TestMockCapability_DirectoryLifecycle(t *testing.T) {
	m := NewMockCapability()
	ctx := context.Background()

	assert.False(t, m.CheckDirectoryExists(ctx, "h1", "/data"))
	assert.True(t, m.CreateRemoteDirectory(ctx, "h1", "/data"))
	assert.True(t, m.CheckDirectoryExists(ctx, "h1", "/data"))
	assert.True(t, m.RemoveRemoteDirectory(ctx, "h1", "/data"))
	assert.False(t, m.CheckDirectoryExists(ctx, "h1", "/data"))
}

func TestMockCapability_UploadDownload(t *testing.T) {
	m := NewMockCapability()
	ctx := context.Background()

	assert.True(t, m.UploadFile(ctx, "h1", "/local/a.txt", "/remote/a.txt"))
	assert.True(t, m.DownloadFile(ctx, "h1", "/remote/a.txt", "/local/b.txt"))
	assert.False(t, m.DownloadFile(ctx, "h1", "/remote/missing.txt", "/local/c.txt"))

	assert.True(t, m.UploadDirectory(ctx, "h1", "/local/dir", "/remote/dir"))
	assert.True(t, m.DownloadDirectory(ctx, "h1", "/remote/dir", "/local/dir2"))
	assert.True(t, m.SyncDirectory(ctx, "h1", "/remote/dir", "/local/dir3"))
}

func TestMockCapability_SystemInfo(t *testing.T) {
	m := NewMockCapability()
	ctx := context.Background()

	_, ok := m.GetSystemInfo(ctx, "h1")
	assert.False(t, ok)

	m.SetSystemInfo("h1", SystemInfo{CPUUsage: 12.5, MemoryUsage: 40, DiskUsage: 55, LoadAverage: 0.8})
	info, ok := m.GetSystemInfo(ctx, "h1")
	require.True(t, ok)
	assert.Equal(t, 12.5, info.CPUUsage)
}

func TestMockCapability_ExecuteCommandRecordsHistory(t *testing.T) {
	m := NewMockCapability()
	ctx := context.Background()

	res := m.ExecuteCommand(ctx, "h1", "echo hi", 5*time.Second)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, m.Commands, "h1: echo hi")
}

func TestMockCapability_TaskCountAndClose(t *testing.T) {
	m := NewMockCapability()

	m.UpdateServerTaskCount("h1", 3)
	assert.Equal(t, 3, m.TaskCount("h1"))

	assert.False(t, m.Closed())
	require.NoError(t, m.Close())
	assert.True(t, m.Closed())
}

func TestMockCapability_ListRemoteDirectory(t *testing.T) {
	m := NewMockCapability()
	ctx := context.Background()

	m.SetFile("h1", "/data/a.txt", "a")
	m.SetFile("h1", "/data/b.txt", "b")

	names, ok := m.ListRemoteDirectory(ctx, "h1", "/data")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, names)
}
