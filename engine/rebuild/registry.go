package rebuild

import (
	"errors"

	cmap "github.com/orcaman/concurrent-map/v2"
)

var ErrRebuildInProgress = errors.New("rebuild: destination already has an active job")

// Registry tracks active jobs keyed by destination URI. At most one job may
// target a destination at a time.
type Registry struct {
	jobs cmap.ConcurrentMap[string, *Job]
}

func NewRegistry() *Registry {
	return &Registry{jobs: cmap.New[*Job]()}
}

func (r *Registry) Register(job *Job) error {
	if !r.jobs.SetIfAbsent(job.DestURI(), job) {
		return ErrRebuildInProgress
	}
	return nil
}

func (r *Registry) Remove(destURI string) {
	r.jobs.Remove(destURI)
}

func (r *Registry) Get(destURI string) (*Job, bool) {
	return r.jobs.Get(destURI)
}

func (r *Registry) List() []*Job {
	var out []*Job
	for _, job := range r.jobs.Items() {
		out = append(out, job)
	}
	return out
}

// SourcedFrom returns the active jobs reading from the given source URI.
func (r *Registry) SourcedFrom(sourceURI string) []*Job {
	var out []*Job
	for _, job := range r.jobs.Items() {
		if job.SourceURI() == sourceURI {
			out = append(out, job)
		}
	}
	return out
}

func (r *Registry) Count() int {
	return r.jobs.Count()
}
