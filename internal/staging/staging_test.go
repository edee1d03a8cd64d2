package staging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewArea_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "staging")

	_, err := NewArea(root, testLogger())
	require.NoError(t, err)

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewArea_EmptyRoot(t *testing.T) {
	_, err := NewArea("", testLogger())
	assert.ErrorIs(t, err, ErrStaging)
}

func TestStage_WritesFiles(t *testing.T) {
	area, err := NewArea(t.TempDir(), testLogger())
	require.NoError(t, err)

	id := uuid.New()
	dir, err := area.Stage(id, []File{
		{Name: "front.jpg", Reader: strings.NewReader("front-bytes")},
		{Name: "back.jpg", Reader: strings.NewReader("back-bytes")},
	})
	require.NoError(t, err)
	assert.Equal(t, area.Dir(id), dir)

	data, err := os.ReadFile(filepath.Join(dir, "front.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "front-bytes", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "back.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "back-bytes", string(data))
}

func TestStage_NoFiles(t *testing.T) {
	area, err := NewArea(t.TempDir(), testLogger())
	require.NoError(t, err)

	_, err = area.Stage(uuid.New(), nil)
	assert.ErrorIs(t, err, ErrStaging)
}

func TestStage_IsolatedPerJob(t *testing.T) {
	area, err := NewArea(t.TempDir(), testLogger())
	require.NoError(t, err)

	a := uuid.New()
	b := uuid.New()

	dirA, err := area.Stage(a, []File{{Name: "img.jpg", Reader: strings.NewReader("a")}})
	require.NoError(t, err)
	dirB, err := area.Stage(b, []File{{Name: "img.jpg", Reader: strings.NewReader("b")}})
	require.NoError(t, err)

	require.NotEqual(t, dirA, dirB)

	data, err := os.ReadFile(filepath.Join(dirA, "img.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
}

func TestStage_TraversalNamesFlattened(t *testing.T) {
	area, err := NewArea(t.TempDir(), testLogger())
	require.NoError(t, err)

	id := uuid.New()
	dir, err := area.Stage(id, []File{
		{Name: "../../etc/escape.jpg", Reader: strings.NewReader("x")},
	})
	require.NoError(t, err)

	// The upload lands inside the job directory under its base name
	_, err = os.Stat(filepath.Join(dir, "escape.jpg"))
	assert.NoError(t, err)
}

func TestStage_PartialFailureCleansUp(t *testing.T) {
	area, err := NewArea(t.TempDir(), testLogger())
	require.NoError(t, err)

	id := uuid.New()
	_, err = area.Stage(id, []File{
		{Name: "ok.jpg", Reader: strings.NewReader("x")},
		{Name: "..", Reader: strings.NewReader("y")},
	})
	require.ErrorIs(t, err, ErrStaging)

	_, statErr := os.Stat(area.Dir(id))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemove(t *testing.T) {
	area, err := NewArea(t.TempDir(), testLogger())
	require.NoError(t, err)

	id := uuid.New()
	dir, err := area.Stage(id, []File{{Name: "img.jpg", Reader: strings.NewReader("x")}})
	require.NoError(t, err)

	require.NoError(t, area.Remove(id))
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	// Removing again is not an error
	assert.NoError(t, area.Remove(id))
}
