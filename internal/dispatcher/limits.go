package dispatcher

import "github.com/buildpad-dev/buildpad/internal/jobs"

// ConcurrencyLimits defines max concurrent jobs per type.
var ConcurrencyLimits = map[jobs.JobType]int{
	jobs.JobTypeScaffoldProject: 3, // Scaffolds are sandbox-bound, cap provisioning pressure
	jobs.JobTypeSandboxDestroy:  5, // Destroys are fast, allow more
}

// DefaultConcurrencyLimit is used for job types not in ConcurrencyLimits.
const DefaultConcurrencyLimit = 1

// GetConcurrencyLimit returns the concurrency limit for a job type.
// Returns DefaultConcurrencyLimit if not explicitly configured.
func GetConcurrencyLimit(jobType jobs.JobType) int {
	if limit, ok := ConcurrencyLimits[jobType]; ok {
		return limit
	}
	return DefaultConcurrencyLimit
}
