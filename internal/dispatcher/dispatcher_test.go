package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/buildpad-dev/buildpad/internal/config"
	"github.com/buildpad-dev/buildpad/internal/jobs"
	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/store"
)

// testDB creates a temporary SQLite database for testing.
// Each test gets its own database file for isolation.
func testDB(t *testing.T) *store.Store {
	tmpFile := fmt.Sprintf("%s/dispatcher_test_%d.db", t.TempDir(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(tmpFile), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return store.New(db)
}

// testConfig returns a config with fast intervals for testing.
func testConfig() *config.Config {
	return &config.Config{
		DispatcherEnabled:            true,
		DispatcherImmediateExecution: true,
		DispatcherPollInterval:       50 * time.Millisecond,
		DispatcherHeartbeatInterval:  100 * time.Millisecond,
		DispatcherHeartbeatTimeout:   500 * time.Millisecond,
		DispatcherJobTimeout:         5 * time.Second,
		DispatcherStaleJobTimeout:    10 * time.Minute,
		JobMaxAttempts:               3,
	}
}

// mockExecutor is a simple executor for testing.
type mockExecutor struct {
	jobType  jobs.JobType
	executed int64
	execFunc func(ctx context.Context, job *model.Job) error
}

func newMockExecutor(jobType jobs.JobType) *mockExecutor {
	return &mockExecutor{
		jobType: jobType,
		execFunc: func(ctx context.Context, job *model.Job) error {
			return nil
		},
	}
}

func (e *mockExecutor) Type() jobs.JobType {
	return e.jobType
}

func (e *mockExecutor) Execute(ctx context.Context, job *model.Job) error {
	atomic.AddInt64(&e.executed, 1)
	return e.execFunc(ctx, job)
}

func (e *mockExecutor) ExecuteCount() int {
	return int(atomic.LoadInt64(&e.executed))
}

// waitFor polls until the condition holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for: %s", msg)
}

// --- Queue Tests ---

func TestQueueEnqueueScaffoldJob(t *testing.T) {
	s := testDB(t)
	q := jobs.NewQueue(s, testConfig())
	ctx := context.Background()

	if err := q.Enqueue(ctx, jobs.ScaffoldProjectPayload{ProjectID: "proj-1"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := s.ClaimJobOfTypes(ctx, []string{string(jobs.JobTypeScaffoldProject)}, "test-worker")
	if err != nil {
		t.Fatalf("ClaimJobOfTypes failed: %v", err)
	}
	if job == nil {
		t.Fatal("Expected job to be created")
	}

	var payload jobs.ScaffoldProjectPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}
	if payload.ProjectID != "proj-1" {
		t.Errorf("Expected projectId proj-1, got %s", payload.ProjectID)
	}
	if job.Priority != 20 {
		t.Errorf("Expected scaffold priority 20, got %d", job.Priority)
	}
	if job.ResourceType == nil || *job.ResourceType != jobs.ResourceTypeProject {
		t.Error("Expected resource type project")
	}
}

func TestQueueRejectsDuplicateForResource(t *testing.T) {
	s := testDB(t)
	q := jobs.NewQueue(s, testConfig())
	ctx := context.Background()

	if err := q.Enqueue(ctx, jobs.ScaffoldProjectPayload{ProjectID: "proj-dup"}); err != nil {
		t.Fatalf("First enqueue failed: %v", err)
	}
	err := q.Enqueue(ctx, jobs.ScaffoldProjectPayload{ProjectID: "proj-dup"})
	if !errors.Is(err, jobs.ErrJobAlreadyExists) {
		t.Fatalf("Expected ErrJobAlreadyExists, got %v", err)
	}

	// A different project is unaffected.
	if err := q.Enqueue(ctx, jobs.ScaffoldProjectPayload{ProjectID: "proj-other"}); err != nil {
		t.Errorf("Enqueue for different project failed: %v", err)
	}
}

// --- Store Job Tests ---

func TestStoreClaimRespectsResourceSerialization(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	resType := jobs.ResourceTypeProject
	resID := "proj-serial"
	for i := 0; i < 2; i++ {
		job := &model.Job{
			Type:         string(jobs.JobTypeScaffoldProject),
			Payload:      []byte(`{}`),
			MaxAttempts:  3,
			ResourceType: &resType,
			ResourceID:   &resID,
		}
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	types := []string{string(jobs.JobTypeScaffoldProject)}
	first, err := s.ClaimJobOfTypes(ctx, types, "worker-1")
	if err != nil || first == nil {
		t.Fatalf("First claim failed: %v, %v", first, err)
	}

	// Second job targets the same resource and must not be claimable while
	// the first is running.
	second, err := s.ClaimJobOfTypes(ctx, types, "worker-2")
	if err != nil {
		t.Fatalf("Second claim errored: %v", err)
	}
	if second != nil {
		t.Fatal("Expected resource conflict to block the second claim")
	}

	if err := s.CompleteJob(ctx, first.ID); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	third, err := s.ClaimJobOfTypes(ctx, types, "worker-2")
	if err != nil || third == nil {
		t.Fatalf("Claim after completion failed: %v, %v", third, err)
	}
}

func TestStoreFailJobRequeuesWithBackoff(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	job := &model.Job{
		Type:        string(jobs.JobTypeScaffoldProject),
		Payload:     []byte(`{}`),
		MaxAttempts: 3,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	claimed, _ := s.ClaimJobOfTypes(ctx, []string{string(jobs.JobTypeScaffoldProject)}, "worker-1")
	if claimed == nil {
		t.Fatal("Expected to claim the job")
	}

	if err := s.FailJob(ctx, claimed.ID, "sandbox timeout"); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}

	failed, err := s.GetJobByID(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if failed.Status != string(model.JobStatusPending) {
		t.Errorf("Expected requeue to pending, got %s", failed.Status)
	}
	if failed.Error == nil || *failed.Error != "sandbox timeout" {
		t.Error("Expected error message to be set")
	}
	if failed.WorkerID != nil {
		t.Error("Expected worker_id to be cleared")
	}
	if !failed.ScheduledAt.After(time.Now()) {
		t.Error("Expected backoff to push scheduled_at into the future")
	}
}

func TestStoreFailJobTerminalAfterMaxAttempts(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	job := &model.Job{
		Type:        string(jobs.JobTypeScaffoldProject),
		Payload:     []byte(`{}`),
		MaxAttempts: 1,
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	claimed, _ := s.ClaimJobOfTypes(ctx, []string{string(jobs.JobTypeScaffoldProject)}, "worker-1")
	if err := s.FailJob(ctx, claimed.ID, "fatal"); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}

	failed, _ := s.GetJobByID(ctx, claimed.ID)
	if failed.Status != string(model.JobStatusFailed) {
		t.Errorf("Expected terminal failure, got %s", failed.Status)
	}
	if failed.CompletedAt == nil {
		t.Error("Expected completed_at on terminal failure")
	}
}

// --- Leader Election Tests ---

func TestLeaderElectionSingleLeader(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	acquired1, err := s.TryAcquireLeadership(ctx, "server-1", 500*time.Millisecond)
	if err != nil || !acquired1 {
		t.Fatalf("Expected server-1 to acquire leadership: %v", err)
	}

	acquired2, err := s.TryAcquireLeadership(ctx, "server-2", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLeadership failed: %v", err)
	}
	if acquired2 {
		t.Fatal("Expected server-2 to be denied while server-1 holds leadership")
	}

	// Server-1 refreshes its own heartbeat.
	again, err := s.TryAcquireLeadership(ctx, "server-1", 500*time.Millisecond)
	if err != nil || !again {
		t.Fatalf("Expected leader to refresh heartbeat: %v", err)
	}
}

func TestLeaderElectionTakeoverAfterExpiry(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	if acquired, _ := s.TryAcquireLeadership(ctx, "server-1", 50*time.Millisecond); !acquired {
		t.Fatal("Expected initial acquisition")
	}

	// Wait past the heartbeat timeout and take over.
	time.Sleep(100 * time.Millisecond)
	acquired, err := s.TryAcquireLeadership(ctx, "server-2", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLeadership failed: %v", err)
	}
	if !acquired {
		t.Fatal("Expected server-2 to take over after heartbeat expiry")
	}
}

// --- Dispatcher Service Tests ---

func TestDispatcherProcessesJob(t *testing.T) {
	s := testDB(t)
	cfg := testConfig()
	d := NewService(s, cfg)

	executor := newMockExecutor(jobs.JobTypeScaffoldProject)
	d.RegisterExecutor(executor)

	d.Start(context.Background())
	defer d.Stop()

	waitFor(t, 2*time.Second, d.IsLeader, "dispatcher to become leader")

	q := jobs.NewQueue(s, cfg)
	q.SetNotifyFunc(d.NotifyNewJob)
	if err := q.Enqueue(context.Background(), jobs.ScaffoldProjectPayload{ProjectID: "proj-run"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return executor.ExecuteCount() >= 1 }, "job execution")

	job, err := s.GetJobByResourceID(context.Background(), jobs.ResourceTypeProject, "proj-run")
	if err != nil {
		t.Fatalf("GetJobByResourceID failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		j, err := s.GetJobByID(context.Background(), job.ID)
		return err == nil && j.Status == string(model.JobStatusCompleted)
	}, "job completion")
}

func TestDispatcherRetriesFailedJob(t *testing.T) {
	s := testDB(t)
	cfg := testConfig()
	d := NewService(s, cfg)

	var mu sync.Mutex
	failures := 0
	executor := newMockExecutor(jobs.JobTypeScaffoldProject)
	executor.execFunc = func(ctx context.Context, job *model.Job) error {
		mu.Lock()
		defer mu.Unlock()
		failures++
		if failures == 1 {
			return errors.New("transient sandbox error")
		}
		return nil
	}
	d.RegisterExecutor(executor)

	d.Start(context.Background())
	defer d.Stop()

	waitFor(t, 2*time.Second, d.IsLeader, "dispatcher to become leader")

	// Schedule in the past so the retry backoff does not slow the test:
	// FailJob pushes scheduled_at forward from now, so claim eligibility
	// comes back after the backoff. Use a direct store write instead of the
	// queue to keep this test self-contained.
	resType := jobs.ResourceTypeProject
	resID := "proj-retry"
	job := &model.Job{
		Type:         string(jobs.JobTypeScaffoldProject),
		Payload:      []byte(`{"projectId":"proj-retry"}`),
		MaxAttempts:  3,
		ResourceType: &resType,
		ResourceID:   &resID,
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	d.NotifyNewJob()

	waitFor(t, 2*time.Second, func() bool { return executor.ExecuteCount() >= 1 }, "first attempt")

	j, err := s.GetJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}
	if j.Attempts != 1 {
		t.Errorf("Expected 1 attempt recorded, got %d", j.Attempts)
	}
	if j.Status != string(model.JobStatusPending) && j.Status != string(model.JobStatusRunning) {
		t.Errorf("Expected job requeued for retry, got %s", j.Status)
	}
}

func TestDispatcherNotLeaderDoesNotProcess(t *testing.T) {
	s := testDB(t)
	cfg := testConfig()

	// Another server holds leadership with a long timeout.
	if acquired, _ := s.TryAcquireLeadership(context.Background(), "other-server", time.Hour); !acquired {
		t.Fatal("Failed to seed foreign leadership")
	}

	d := NewService(s, cfg)
	executor := newMockExecutor(jobs.JobTypeScaffoldProject)
	d.RegisterExecutor(executor)
	d.Start(context.Background())
	defer d.Stop()

	q := jobs.NewQueue(s, cfg)
	q.SetNotifyFunc(d.NotifyNewJob)
	if err := q.Enqueue(context.Background(), jobs.ScaffoldProjectPayload{ProjectID: "proj-idle"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if executor.ExecuteCount() != 0 {
		t.Errorf("Non-leader executed %d jobs", executor.ExecuteCount())
	}
}
