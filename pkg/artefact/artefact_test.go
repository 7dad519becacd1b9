package artefact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadVariable(t *testing.T) {
	s := New(t.TempDir())

	path, key, err := s.SaveVariable("p1", "revenue", map[string]interface{}{"total": 42.5}, Overwrite)
	require.NoError(t, err)
	assert.Equal(t, "revenue", key)
	assert.Equal(t, filepath.Join(s.PlannerDir("p1"), "variables", "revenue.blob"), path)

	value, err := s.LoadVariable(path)
	require.NoError(t, err)
	m, ok := value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 42.5, m["total"])
}

func TestSaveVariableOverwriteReplaces(t *testing.T) {
	s := New(t.TempDir())

	first, _, err := s.SaveVariable("p1", "v", "old", Overwrite)
	require.NoError(t, err)
	second, key, err := s.SaveVariable("p1", "v", "new", Overwrite)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "v", key)

	value, err := s.LoadVariable(second)
	require.NoError(t, err)
	assert.Equal(t, "new", value)
}

func TestSaveVariableAvoidSuffixes(t *testing.T) {
	s := New(t.TempDir())

	first, _, err := s.SaveVariable("p1", "v", "one", Avoid)
	require.NoError(t, err)
	second, key, err := s.SaveVariable("p1", "v", "two", Avoid)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(key, "v_"))
	assert.Len(t, key, len("v_")+3)

	one, err := s.LoadVariable(first)
	require.NoError(t, err)
	assert.Equal(t, "one", one)
	two, err := s.LoadVariable(second)
	require.NoError(t, err)
	assert.Equal(t, "two", two)
}

func TestSaveAndLoadImage(t *testing.T) {
	s := New(t.TempDir())

	path, key, err := s.SaveImage("p1", "Sales Chart (v2).png", "aGVsbG8=", nil, Overwrite)
	require.NoError(t, err)
	assert.Equal(t, "Sales_Chart_v2_png", key)
	assert.Equal(t, filepath.Join(s.PlannerDir("p1"), "images", key+".b64"), path)

	encoded, err := s.LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", encoded)
}

func TestSaveImageDedupesAgainstExistingKeys(t *testing.T) {
	s := New(t.TempDir())

	_, key, err := s.SaveImage("p1", "chart", "YQ==", []string{"chart", "chart_1"}, Overwrite)
	require.NoError(t, err)
	assert.Equal(t, "chart_2", key)
}

func TestCleanImageName(t *testing.T) {
	cases := map[string]string{
		"simple":              "simple",
		"My Chart!.png":       "My_Chart_png",
		"__already__clean__":  "already_clean",
		"a---b###c":           "a_b_c",
		"":                    "image",
		"!!!":                 "image",
		"snake_case_is_fine":  "snake_case_is_fine",
		"trailing underscore": "trailing_underscore",
	}
	for raw, want := range cases {
		assert.Equal(t, want, CleanImageName(raw), "raw=%q", raw)
	}
}

func TestWriteAndReadJSON(t *testing.T) {
	s := New(t.TempDir())

	type doc struct {
		ID   string `json:"id"`
		Step int    `json:"step"`
	}
	require.NoError(t, s.WriteJSON("p1", "current_task.json", doc{ID: "t1", Step: 3}))

	var out doc
	require.NoError(t, s.ReadJSON("p1", "current_task.json", &out))
	assert.Equal(t, doc{ID: "t1", Step: 3}, out)
}

func TestCleanupRemovesPlannerDir(t *testing.T) {
	s := New(t.TempDir())

	_, _, err := s.SaveVariable("p1", "v", 1, Overwrite)
	require.NoError(t, err)
	require.NoError(t, s.Cleanup("p1"))

	_, err = os.Stat(s.PlannerDir("p1"))
	assert.True(t, os.IsNotExist(err))

	// Cleaning an absent planner is not an error.
	require.NoError(t, s.Cleanup("never-existed"))
}

func TestDatabasePath(t *testing.T) {
	s := New("/data/collaterals")
	assert.Equal(t, filepath.Join("/data/collaterals", "p1", "database.db"), s.DatabasePath("p1"))
}
