package profile

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/RevCBH/winforge/internal/batch"
	"github.com/RevCBH/winforge/internal/image"
)

// JobSpec is one entry of a jobs file.
type JobSpec struct {
	Path    string `mapstructure:"path"`
	Format  string `mapstructure:"format"`
	Index   int    `mapstructure:"index"`
	Profile string `mapstructure:"profile"`
	Label   string `mapstructure:"label"`
}

// JobsFile lists the images of a batch and the profile for each.
type JobsFile struct {
	// Parallelism overrides the configured limit when positive
	Parallelism int       `mapstructure:"parallelism"`
	Jobs        []JobSpec `mapstructure:"jobs"`

	// Path is the file the jobs were loaded from
	Path string `mapstructure:"-"`
}

// LoadJobs reads a YAML or TOML jobs file. Relative image and profile
// paths are resolved against the file's directory.
func LoadJobs(path string) (*JobsFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	doc, err := readDocument(abs)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	var jf JobsFile
	if err := decodeStrict(doc, &jf); err != nil {
		return nil, fmt.Errorf("load jobs %s: %w", path, err)
	}
	if len(jf.Jobs) == 0 {
		return nil, fmt.Errorf("load jobs %s: no jobs listed", path)
	}

	base := filepath.Dir(abs)
	for i := range jf.Jobs {
		j := &jf.Jobs[i]
		if j.Path == "" {
			return nil, fmt.Errorf("load jobs %s: job #%d has no path", path, i+1)
		}
		if j.Profile == "" {
			return nil, fmt.Errorf("load jobs %s: job #%d has no profile", path, i+1)
		}
		j.Path = resolveRel(base, j.Path)
		j.Profile = resolveRel(base, j.Profile)
	}
	jf.Path = abs
	return &jf, nil
}

func resolveRel(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// BuildJobs resolves every job's image and profile. Profiles shared by
// several jobs are loaded once. All errors are reported together.
func (r *Resolver) BuildJobs(jf *JobsFile) ([]batch.Job, error) {
	profiles := make(map[string]*Profile)
	jobs := make([]batch.Job, 0, len(jf.Jobs))
	var errs []error

	for i, spec := range jf.Jobs {
		img, err := image.New(spec.Path, image.Format(spec.Format), spec.Index)
		if err != nil {
			errs = append(errs, fmt.Errorf("job #%d: %w", i+1, err))
			continue
		}

		p, ok := profiles[spec.Profile]
		if !ok {
			if p, err = Load(spec.Profile); err != nil {
				errs = append(errs, fmt.Errorf("job #%d: %w", i+1, err))
				continue
			}
			profiles[spec.Profile] = p
		}
		actions, err := r.Resolve(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("job #%d: %w", i+1, err))
			continue
		}

		jobs = append(jobs, batch.Job{Image: img, Actions: actions, Label: spec.Label})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return jobs, nil
}
