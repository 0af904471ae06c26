// Package jobs defines job types and payloads for background job processing.
package jobs

// JobType represents the type of job.
type JobType string

const (
	JobTypeScaffoldProject JobType = "scaffold_project"
	JobTypeSandboxDestroy  JobType = "sandbox_destroy"
)

// JobPayload is implemented by all job payloads. The payload struct itself
// is JSON-marshaled as the job's Payload field.
type JobPayload interface {
	JobType() JobType
	ResourceKey() (resourceType string, resourceID string)
}

// Prioritized is an optional interface payloads can implement to override the default priority (10).
type Prioritized interface {
	Priority() int
}

// MaxAttempter is an optional interface payloads can implement to override the default max attempts.
type MaxAttempter interface {
	MaxAttempts() int
}

// DuplicateAllower is an optional interface payloads can implement to allow
// multiple pending/running jobs for the same resource. Jobs are still serialized
// at execution time (only one runs at a time per resource), but multiple can be queued.
type DuplicateAllower interface {
	AllowDuplicates() bool
}

// ScaffoldProjectPayload is the payload for scaffold_project jobs.
type ScaffoldProjectPayload struct {
	ProjectID string `json:"projectId"`
}

func (p ScaffoldProjectPayload) JobType() JobType { return JobTypeScaffoldProject }
func (p ScaffoldProjectPayload) ResourceKey() (string, string) {
	return ResourceTypeProject, p.ProjectID
}

// Scaffolding drives user-visible project creation, so it outranks cleanup.
func (p ScaffoldProjectPayload) Priority() int { return 20 }

// SandboxDestroyPayload is the payload for sandbox_destroy jobs, enqueued
// when a project is deleted or its sandbox must be torn down out of band.
type SandboxDestroyPayload struct {
	ProjectID string `json:"projectId"`
	SandboxID string `json:"sandboxId"`
}

func (p SandboxDestroyPayload) JobType() JobType { return JobTypeSandboxDestroy }
func (p SandboxDestroyPayload) ResourceKey() (string, string) {
	return ResourceTypeSandbox, p.SandboxID
}
