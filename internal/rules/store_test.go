package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/email-management-platform/backend/gmail-automation/internal/errkind"
	"github.com/email-management-platform/backend/gmail-automation/internal/models"
)

func tempStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "rules.json")
}

func TestLoad_MissingFileIsEmptyNotError(t *testing.T) {
	s := New(tempStorePath(t), nil)
	require.NoError(t, s.Load())
	assert.Empty(t, s.List())
}

func TestAddListGetPersistReload(t *testing.T) {
	path := tempStorePath(t)
	s := New(path, nil)
	require.NoError(t, s.Load())

	r := models.Rule{ID: models.NewRuleID(), Name: "archive newsletters", Conjunction: models.ConjunctionAND}
	require.NoError(t, s.Add(r))

	got, ok := s.Get(r.ID)
	require.True(t, ok)
	assert.Equal(t, r.Name, got.Name)

	_, err := os.Stat(path)
	require.NoError(t, err, "Add persists to disk")

	reloaded := New(path, nil)
	require.NoError(t, reloaded.Load())
	assert.Len(t, reloaded.List(), 1)
	assert.Equal(t, r.Name, reloaded.List()[0].Name)
}

func TestAdd_RejectsDuplicateName(t *testing.T) {
	s := New(tempStorePath(t), nil)
	require.NoError(t, s.Load())

	require.NoError(t, s.Add(models.Rule{ID: models.NewRuleID(), Name: "dup"}))
	err := s.Add(models.Rule{ID: models.NewRuleID(), Name: "dup"})
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidParameter, errkind.Classify(err))
}

func TestReplace_NotFound(t *testing.T) {
	s := New(tempStorePath(t), nil)
	require.NoError(t, s.Load())

	err := s.Replace("rule_missing", models.Rule{Name: "x"})
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.Classify(err))
}

func TestReplace_RejectsNameCollisionWithDifferentRule(t *testing.T) {
	s := New(tempStorePath(t), nil)
	require.NoError(t, s.Load())

	a := models.Rule{ID: models.NewRuleID(), Name: "a"}
	b := models.Rule{ID: models.NewRuleID(), Name: "b"}
	require.NoError(t, s.Add(a))
	require.NoError(t, s.Add(b))

	err := s.Replace(b.ID, models.Rule{Name: "a"})
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidParameter, errkind.Classify(err))
}

func TestReplace_AllowsRenamingToOwnName(t *testing.T) {
	s := New(tempStorePath(t), nil)
	require.NoError(t, s.Load())

	a := models.Rule{ID: models.NewRuleID(), Name: "a", Enabled: true}
	require.NoError(t, s.Add(a))

	a.Enabled = false
	require.NoError(t, s.Replace(a.ID, a))

	got, _ := s.Get(a.ID)
	assert.False(t, got.Enabled)
}

func TestDelete_IsIdempotent(t *testing.T) {
	s := New(tempStorePath(t), nil)
	require.NoError(t, s.Load())

	require.NoError(t, s.Delete("rule_never_existed"))

	r := models.Rule{ID: models.NewRuleID(), Name: "temp"}
	require.NoError(t, s.Add(r))
	require.NoError(t, s.Delete(r.ID))
	require.NoError(t, s.Delete(r.ID), "deleting twice is a no-op success")

	_, ok := s.Get(r.ID)
	assert.False(t, ok)
}

func TestLoad_SkipsInvalidEntriesButKeepsTheRest(t *testing.T) {
	path := tempStorePath(t)
	raw := `[{"id":"rule_aaaaaaaaaaaaaaaa","name":"good","conjunction":"AND"}, {"id": 12345}]`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	s := New(path, nil)
	require.NoError(t, s.Load())

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].Name)
}

func TestLoad_InvalidJSONIsStoreParseError(t *testing.T) {
	path := tempStorePath(t)
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	s := New(path, nil)
	err := s.Load()
	require.Error(t, err)
	assert.Equal(t, errkind.StoreParse, errkind.Classify(err))
}
