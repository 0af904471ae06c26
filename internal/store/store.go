// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/buildpad-dev/buildpad/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Users ---

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByProviderID(ctx context.Context, provider, providerID string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "provider = ? AND provider_id = ?", provider, providerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

func (s *Store) UpdateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Save(user).Error
}

// --- User Sessions ---

func (s *Store) CreateUserSession(ctx context.Context, session *model.UserSession) error {
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *Store) GetUserSessionByToken(ctx context.Context, tokenHash string) (*model.UserSession, error) {
	var session model.UserSession
	if err := s.db.WithContext(ctx).Preload("User").First(&session, "token_hash = ?", tokenHash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) DeleteUserSession(ctx context.Context, tokenHash string) error {
	return s.db.WithContext(ctx).Delete(&model.UserSession{}, "token_hash = ?", tokenHash).Error
}

func (s *Store) DeleteExpiredUserSessions(ctx context.Context) error {
	return s.db.WithContext(ctx).Delete(&model.UserSession{}, "expires_at < ?", time.Now()).Error
}

// --- Projects ---

func (s *Store) GetProjectByID(ctx context.Context, id string) (*model.Project, error) {
	var project model.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &project, nil
}

func (s *Store) ListProjectsByOwner(ctx context.Context, ownerID string) ([]*model.Project, error) {
	var projects []*model.Project
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&projects).Error
	return projects, err
}

func (s *Store) ListProjectsByStatus(ctx context.Context, status string) ([]*model.Project, error) {
	var projects []*model.Project
	err := s.db.WithContext(ctx).Where("status = ?", status).Find(&projects).Error
	return projects, err
}

// ListIdleProjects returns projects with a live sandbox whose last activity
// is older than the cutoff. Used by the idle reaper.
func (s *Store) ListIdleProjects(ctx context.Context, cutoff time.Time) ([]*model.Project, error) {
	var projects []*model.Project
	err := s.db.WithContext(ctx).
		Where("sandbox_id IS NOT NULL AND last_active_at IS NOT NULL AND last_active_at < ?", cutoff).
		Find(&projects).Error
	return projects, err
}

func (s *Store) CreateProject(ctx context.Context, project *model.Project) error {
	return s.db.WithContext(ctx).Create(project).Error
}

func (s *Store) UpdateProject(ctx context.Context, project *model.Project) error {
	return s.db.WithContext(ctx).Save(project).Error
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.ProjectFile{}, "project_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Project{}, "id = ?", id).Error
	})
}

// UpdateProjectStatus sets the lifecycle status and user-facing error message.
func (s *Store) UpdateProjectStatus(ctx context.Context, id, status string, errorMessage *string) error {
	return s.db.WithContext(ctx).Model(&model.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errorMessage,
		}).Error
}

// UpdateProjectSandboxID records the sandbox instance currently backing the project.
func (s *Store) UpdateProjectSandboxID(ctx context.Context, id string, sandboxID *string) error {
	return s.db.WithContext(ctx).Model(&model.Project{}).
		Where("id = ?", id).
		Update("sandbox_id", sandboxID).Error
}

// UpdateProjectPreview records the last-started dev server's public address.
func (s *Store) UpdateProjectPreview(ctx context.Context, id, url string, port int) error {
	return s.db.WithContext(ctx).Model(&model.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"preview_url":  url,
			"preview_port": port,
		}).Error
}

// TouchProjectActivity bumps the project's last-active timestamp.
func (s *Store) TouchProjectActivity(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&model.Project{}).
		Where("id = ?", id).
		Update("last_active_at", time.Now()).Error
}

// --- Project Files ---

func (s *Store) GetProjectFiles(ctx context.Context, projectID string) ([]model.ProjectFile, error) {
	var files []model.ProjectFile
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("path ASC").
		Find(&files).Error
	return files, err
}

// ReplaceProjectFiles overwrites the project's file rows wholesale. It is a
// full replace, not a merge: rows not present in the new set are deleted.
func (s *Store) ReplaceProjectFiles(ctx context.Context, projectID string, files []model.ProjectFile) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.ProjectFile{}, "project_id = ?", projectID).Error; err != nil {
			return err
		}
		for i := range files {
			files[i].ID = ""
			files[i].ProjectID = projectID
		}
		if len(files) == 0 {
			return nil
		}
		return tx.Create(&files).Error
	})
}

func (s *Store) DeleteProjectFile(ctx context.Context, projectID, path string) error {
	return s.db.WithContext(ctx).
		Delete(&model.ProjectFile{}, "project_id = ? AND path = ?", projectID, path).Error
}

func (s *Store) DeleteAllProjectFiles(ctx context.Context, projectID string) error {
	return s.db.WithContext(ctx).
		Delete(&model.ProjectFile{}, "project_id = ?", projectID).Error
}

// --- Jobs ---

// CreateJob creates a new job in the queue.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// GetJobByID retrieves a job by its ID.
func (s *Store) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetJobByResourceID retrieves the most recent job for a specific resource.
// Returns ErrNotFound if no job exists for the resource.
func (s *Store) GetJobByResourceID(ctx context.Context, resourceType, resourceID string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// HasActiveJobForResource checks if there's a pending or running job for the given resource.
func (s *Store) HasActiveJobForResource(ctx context.Context, resourceType, resourceID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("resource_type = ? AND resource_id = ? AND status IN ?",
			resourceType, resourceID, []string{string(model.JobStatusPending), string(model.JobStatusRunning)}).
		Count(&count).Error
	return count > 0, err
}

// ClaimJobOfTypes atomically claims a pending job of any of the given types.
// Jobs are selected by priority (highest first), then by scheduled time
// (oldest first). A job with resource tracking is only claimed if no other
// job for the same resource is currently running.
// Returns nil, nil if no job is available.
func (s *Store) ClaimJobOfTypes(ctx context.Context, jobTypes []string, workerID string) (*model.Job, error) {
	if len(jobTypes) == 0 {
		return nil, nil
	}

	var job model.Job
	var found bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.Job
		query := tx.Where("type IN ? AND status = ? AND scheduled_at <= ?",
			jobTypes, model.JobStatusPending, time.Now()).
			Order("priority DESC, scheduled_at ASC, created_at ASC").
			Limit(10) // Check up to 10 candidates to find one without resource conflicts

		if err := query.Find(&candidates).Error; err != nil {
			return err
		}

		for _, candidate := range candidates {
			if candidate.ResourceType == nil || candidate.ResourceID == nil {
				job = candidate
				found = true
				break
			}

			var runningCount int64
			if err := tx.Model(&model.Job{}).
				Where("resource_type = ? AND resource_id = ? AND status = ? AND id != ?",
					*candidate.ResourceType, *candidate.ResourceID, model.JobStatusRunning, candidate.ID).
				Count(&runningCount).Error; err != nil {
				return err
			}

			if runningCount == 0 {
				job = candidate
				found = true
				break
			}
			// Resource is busy, try next candidate
		}

		if !found {
			return nil
		}

		now := time.Now()
		job.Status = string(model.JobStatusRunning)
		job.WorkerID = &workerID
		job.StartedAt = &now
		job.Attempts++

		return tx.Save(&job).Error
	})

	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &job, nil
}

// CompleteJob marks a job as completed.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       model.JobStatusCompleted,
			"completed_at": now,
		}).Error
}

// FailJob marks a job as failed with an error message.
// If attempts < max_attempts, requeues as pending for retry with backoff.
func (s *Store) FailJob(ctx context.Context, jobID string, errMsg string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return err
		}

		if job.Attempts < job.MaxAttempts {
			backoff := time.Duration(job.Attempts) * 30 * time.Second
			scheduledAt := time.Now().Add(backoff)

			return tx.Model(&job).Updates(map[string]interface{}{
				"status":       model.JobStatusPending,
				"worker_id":    nil,
				"started_at":   nil,
				"scheduled_at": scheduledAt,
				"error":        errMsg,
			}).Error
		}

		now := time.Now()
		return tx.Model(&job).Updates(map[string]interface{}{
			"status":       model.JobStatusFailed,
			"completed_at": now,
			"error":        errMsg,
		}).Error
	})
}

// CleanupStaleJobs resets jobs that have been running too long (worker died).
// Returns the number of jobs reset.
func (s *Store) CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND started_at < ?", model.JobStatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":     model.JobStatusPending,
			"worker_id":  nil,
			"started_at": nil,
		})
	return result.RowsAffected, result.Error
}

// --- Dispatcher Leader Election ---

// TryAcquireLeadership attempts to become the leader.
// Returns true if this server is now the leader.
func (s *Store) TryAcquireLeadership(ctx context.Context, serverID string, heartbeatTimeout time.Duration) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-heartbeatTimeout)

	var acquired bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.DispatcherLeader
		err := tx.First(&existing, "id = ?", model.DispatcherLeaderSingletonID).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			leader := model.DispatcherLeader{
				ID:          model.DispatcherLeaderSingletonID,
				ServerID:    serverID,
				HeartbeatAt: now,
				AcquiredAt:  now,
			}
			if err := tx.Create(&leader).Error; err != nil {
				// Another server might have won the race
				return nil
			}
			acquired = true
			return nil
		}

		if err != nil {
			return err
		}

		if existing.ServerID == serverID {
			// We are already the leader, update heartbeat
			existing.HeartbeatAt = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		}

		if existing.HeartbeatAt.Before(cutoff) {
			// Previous leader's heartbeat expired, take over
			existing.ServerID = serverID
			existing.HeartbeatAt = now
			existing.AcquiredAt = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		}

		acquired = false
		return nil
	})

	return acquired, err
}

// ReleaseLeadership releases leadership on graceful shutdown.
func (s *Store) ReleaseLeadership(ctx context.Context, serverID string) error {
	return s.db.WithContext(ctx).
		Where("id = ? AND server_id = ?", model.DispatcherLeaderSingletonID, serverID).
		Delete(&model.DispatcherLeader{}).Error
}
