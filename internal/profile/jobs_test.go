package profile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/winforge/internal/image"
)

func TestLoadJobsResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "profiles/base.yaml", "steps:\n  - type: mkdir\n    path: Windows/Setup\n")
	path := writeFile(t, dir, "jobs.yaml", `
parallelism: 3
jobs:
  - path: images/install.wim
    index: 6
    profile: profiles/base.yaml
    label: pro
  - path: images/staging
    format: dir
    profile: profiles/base.yaml
`)
	jf, err := LoadJobs(path)
	require.NoError(t, err)
	assert.Equal(t, 3, jf.Parallelism)
	require.Len(t, jf.Jobs, 2)
	assert.Equal(t, filepath.Join(dir, "images", "install.wim"), jf.Jobs[0].Path)
	assert.Equal(t, filepath.Join(dir, "profiles", "base.yaml"), jf.Jobs[0].Profile)

	jobs, err := NewResolver(nil, nil).BuildJobs(jf)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, image.FormatWIM, jobs[0].Image.Format)
	assert.Equal(t, 6, jobs[0].Image.Index)
	assert.Equal(t, "pro", jobs[0].Label)
	assert.Equal(t, image.FormatDir, jobs[1].Image.Format)
	assert.Len(t, jobs[1].Actions, 1)
}

func TestLoadJobsTOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "jobs.toml", `
[[jobs]]
path = "a.vhdx"
profile = "p.yaml"
`)
	jf, err := LoadJobs(path)
	require.NoError(t, err)
	require.Len(t, jf.Jobs, 1)
	assert.Equal(t, filepath.Join(dir, "a.vhdx"), jf.Jobs[0].Path)
}

func TestLoadJobsValidation(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadJobs(writeFile(t, dir, "empty.yaml", "jobs: []\n"))
	assert.ErrorContains(t, err, "no jobs")

	_, err = LoadJobs(writeFile(t, dir, "nopath.yaml", "jobs:\n  - profile: p.yaml\n"))
	assert.ErrorContains(t, err, "has no path")

	_, err = LoadJobs(writeFile(t, dir, "extra.yaml", "jobs:\n  - path: a.wim\n    profile: p.yaml\n    priority: 1\n"))
	assert.ErrorContains(t, err, "priority")
}

func TestBuildJobsReportsEveryError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "jobs.yaml", `
jobs:
  - path: a.iso
    index: 2
    profile: base.yaml
  - path: b.wim
    profile: missing.yaml
`)
	writeFile(t, dir, "base.yaml", "steps: []\n")
	jf, err := LoadJobs(path)
	require.NoError(t, err)

	_, err = NewResolver(nil, nil).BuildJobs(jf)
	require.Error(t, err)
	assert.ErrorIs(t, err, image.ErrInvalidImage)
	assert.ErrorContains(t, err, "job #2")
}
