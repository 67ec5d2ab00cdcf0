package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lengjing/docker-workspace-manager/internal/config"
	"github.com/lengjing/docker-workspace-manager/internal/container"
	"github.com/lengjing/docker-workspace-manager/internal/container/mock"
	"github.com/lengjing/docker-workspace-manager/internal/database"
	"github.com/lengjing/docker-workspace-manager/internal/logger"
	"github.com/lengjing/docker-workspace-manager/internal/model"
	"github.com/lengjing/docker-workspace-manager/internal/portalloc"
	"github.com/lengjing/docker-workspace-manager/internal/store"
)

type testEnv struct {
	cfg     *config.Config
	store   *store.Store
	runtime *mock.Provider
	svc     *WorkspaceService
	owner   *model.User
}

// setupTestEnv builds a service over a temp-file sqlite database. A file
// (not :memory:) is used so every pooled connection sees the same data.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.DatabaseDSN = "sqlite3://" + filepath.Join(t.TempDir(), "test.db")
	cfg.DatabaseDriver = "sqlite"
	cfg.DataDir = t.TempDir()
	cfg.AdminUsername = "admin"
	cfg.AdminPassword = "s3cret"

	log := logger.NewNop()
	db, err := database.New(cfg, log)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	if err := db.Seed(cfg); err != nil {
		t.Fatalf("Failed to seed: %v", err)
	}

	s := store.New(db.DB)
	owner, err := s.GetUserByID(context.Background(), model.AnonymousUserID)
	if err != nil {
		t.Fatalf("Failed to load anonymous user: %v", err)
	}

	rt := mock.NewProvider()
	// Every port is free on the host; only recorded ports are taken.
	ports := &portalloc.Allocator{Window: 1000, Probe: func(int) bool { return true }}

	return &testEnv{
		cfg:     cfg,
		store:   s,
		runtime: rt,
		svc:     NewWorkspaceService(s, rt, ports, cfg, log),
		owner:   owner,
	}
}

func (e *testEnv) create(t *testing.T, name string) *model.Workspace {
	t.Helper()
	ws, err := e.svc.Create(context.Background(), e.owner, CreateWorkspaceRequest{Name: name, Image: "busybox:latest"})
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", name, err)
	}
	return ws
}

func TestCreate_AllocatesPortsAndRecords(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	ws := env.create(t, "dev1")

	if ws.SSHPort != 22000 || ws.CodeServerPort != 8080 {
		t.Errorf("ports = %d/%d, want 22000/8080", ws.SSHPort, ws.CodeServerPort)
	}
	if ws.Status != model.WorkspaceCreated {
		t.Errorf("status = %q, want created", ws.Status)
	}
	if ws.OwnerID != model.AnonymousUserID {
		t.Errorf("owner = %q", ws.OwnerID)
	}

	c, err := env.runtime.Inspect(ctx, "dwm-anonymous-dev1")
	if err != nil {
		t.Fatalf("container not created under expected name: %v", err)
	}
	if c.ID != ws.ContainerID {
		t.Errorf("container ID = %q, want %q", c.ID, ws.ContainerID)
	}
	if c.Labels[container.LabelWorkspaceID] != ws.ID {
		t.Errorf("workspace label = %q, want %q", c.Labels[container.LabelWorkspaceID], ws.ID)
	}

	stored, err := env.store.GetWorkspaceByID(ctx, ws.ID)
	if err != nil {
		t.Fatalf("workspace not persisted: %v", err)
	}
	if stored.ContainerID != ws.ContainerID {
		t.Errorf("stored container ID = %q", stored.ContainerID)
	}

	second := env.create(t, "dev2")
	if second.SSHPort != 22001 || second.CodeServerPort != 8081 {
		t.Errorf("second ports = %d/%d, want 22001/8081", second.SSHPort, second.CodeServerPort)
	}
}

func TestCreate_CapturesSpec(t *testing.T) {
	env := setupTestEnv(t)

	var got container.CreateSpec
	env.runtime.CreateFunc = func(ctx context.Context, spec container.CreateSpec) (string, error) {
		got = spec
		env.runtime.Put(&container.Container{ID: "c-gpu", Name: spec.Name, Status: container.StatusCreated})
		return "c-gpu", nil
	}

	ws, err := env.svc.Create(context.Background(), env.owner, CreateWorkspaceRequest{Name: "train", Image: "cuda:12", GPU: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if !got.GPU {
		t.Error("GPU flag not forwarded")
	}
	if got.DataDir != filepath.Join(env.cfg.DataDir, "anonymous", "train") {
		t.Errorf("DataDir = %q", got.DataDir)
	}
	if got.BasePath != "/workspaces/"+ws.ID+"/ide" {
		t.Errorf("BasePath = %q", got.BasePath)
	}
	if got.SSHPort != ws.SSHPort || got.IDEPort != ws.CodeServerPort {
		t.Errorf("spec ports %d/%d differ from recorded %d/%d", got.SSHPort, got.IDEPort, ws.SSHPort, ws.CodeServerPort)
	}
	if !ws.GPU {
		t.Error("GPU not recorded")
	}
}

func TestCreate_InvalidRequest(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name string
		req  CreateWorkspaceRequest
	}{
		{"missing name", CreateWorkspaceRequest{Image: "busybox"}},
		{"missing image", CreateWorkspaceRequest{Name: "dev"}},
		{"bad characters", CreateWorkspaceRequest{Name: "dev/../x", Image: "busybox"}},
		{"leading dash", CreateWorkspaceRequest{Name: "-dev", Image: "busybox"}},
		{"whitespace image", CreateWorkspaceRequest{Name: "dev", Image: "bad image"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Create(context.Background(), env.owner, tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}

	if n := env.runtime.Calls("create"); n != 0 {
		t.Errorf("runtime create called %d times for invalid requests", n)
	}
}

func TestCreate_NameTaken(t *testing.T) {
	env := setupTestEnv(t)
	env.create(t, "dev1")

	_, err := env.svc.Create(context.Background(), env.owner, CreateWorkspaceRequest{Name: "dev1", Image: "busybox"})
	if !errors.Is(err, ErrNameTaken) {
		t.Errorf("expected ErrNameTaken, got %v", err)
	}
	if n := env.runtime.Calls("create"); n != 1 {
		t.Errorf("runtime create called %d times, want 1", n)
	}
}

func TestCreate_RuntimeFailureLeavesNoRow(t *testing.T) {
	env := setupTestEnv(t)
	env.runtime.CreateFunc = func(ctx context.Context, spec container.CreateSpec) (string, error) {
		return "", &container.RuntimeError{Op: "create", ID: spec.Name, Err: container.ErrImageNotFound}
	}

	_, err := env.svc.Create(context.Background(), env.owner, CreateWorkspaceRequest{Name: "dev1", Image: "nope"})
	var rerr *container.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RuntimeError, got %v", err)
	}
	if !errors.Is(err, container.ErrImageNotFound) {
		t.Errorf("expected ErrImageNotFound, got %v", err)
	}

	list, err := env.svc.List(context.Background(), env.owner.ID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no workspaces, got %d", len(list))
	}
}

func TestCreate_InsertFailureRemovesContainer(t *testing.T) {
	env := setupTestEnv(t)
	first := env.create(t, "dev1")

	// Reusing a recorded container ID makes the insert violate its unique index.
	env.runtime.CreateFunc = func(ctx context.Context, spec container.CreateSpec) (string, error) {
		return first.ContainerID, nil
	}

	if _, err := env.svc.Create(context.Background(), env.owner, CreateWorkspaceRequest{Name: "dev2", Image: "busybox"}); err == nil {
		t.Fatal("expected insert failure")
	}
	if n := env.runtime.Calls("remove"); n != 1 {
		t.Errorf("runtime remove called %d times, want 1", n)
	}
}

func TestCreate_ImagePullDoesNotBlockOtherCreates(t *testing.T) {
	env := setupTestEnv(t)

	pulling := make(chan struct{})
	release := make(chan struct{})
	env.runtime.EnsureImageFunc = func(ctx context.Context, image string) error {
		if image == "slow:latest" {
			close(pulling)
			<-release
		}
		return nil
	}

	slowDone := make(chan error, 1)
	go func() {
		_, err := env.svc.Create(context.Background(), env.owner, CreateWorkspaceRequest{Name: "slow", Image: "slow:latest"})
		slowDone <- err
	}()

	select {
	case <-pulling:
	case <-time.After(5 * time.Second):
		t.Fatal("pull never started")
	}

	fastDone := make(chan error, 1)
	go func() {
		_, err := env.svc.Create(context.Background(), env.owner, CreateWorkspaceRequest{Name: "fast", Image: "busybox:latest"})
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("Create(fast) failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("Create(fast) blocked behind an image pull")
	}

	close(release)
	if err := <-slowDone; err != nil {
		t.Fatalf("Create(slow) failed: %v", err)
	}
	if n := env.runtime.Calls("ensure-image"); n != 2 {
		t.Errorf("ensure-image called %d times, want 2", n)
	}
}

func TestCreate_ImagePullFailure(t *testing.T) {
	env := setupTestEnv(t)
	env.runtime.EnsureImageFunc = func(ctx context.Context, image string) error {
		return &container.RuntimeError{Op: "pull", ID: image, Err: container.ErrImageNotFound}
	}

	_, err := env.svc.Create(context.Background(), env.owner, CreateWorkspaceRequest{Name: "dev1", Image: "missing:latest"})
	if !errors.Is(err, container.ErrImageNotFound) {
		t.Fatalf("expected ErrImageNotFound, got %v", err)
	}
	if n := env.runtime.Calls("create"); n != 0 {
		t.Errorf("runtime create called %d times, want 0", n)
	}
}

func TestCreate_ConcurrentPortsAreUnique(t *testing.T) {
	env := setupTestEnv(t)

	const n = 10
	var wg sync.WaitGroup
	results := make([]*model.Workspace, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.Create(context.Background(), env.owner, CreateWorkspaceRequest{
				Name:  fmt.Sprintf("ws%d", i),
				Image: "busybox",
			})
		}(i)
	}
	wg.Wait()

	ssh := make(map[int]bool)
	ide := make(map[int]bool)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("create %d failed: %v", i, errs[i])
		}
		if ssh[results[i].SSHPort] {
			t.Errorf("duplicate ssh port %d", results[i].SSHPort)
		}
		if ide[results[i].CodeServerPort] {
			t.Errorf("duplicate ide port %d", results[i].CodeServerPort)
		}
		ssh[results[i].SSHPort] = true
		ide[results[i].CodeServerPort] = true
	}
}

func TestCreate_OverlappingRangesNeverShareAPort(t *testing.T) {
	env := setupTestEnv(t)
	env.cfg.SSHPortBase = 9000
	env.cfg.IDEPortBase = 9000

	ws := env.create(t, "dev1")
	if ws.SSHPort == ws.CodeServerPort {
		t.Errorf("ssh and ide share port %d", ws.SSHPort)
	}
}

func TestLifecycle_StatusComesFromRuntime(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	ws := env.create(t, "dev1")

	started, err := env.svc.Start(ctx, env.owner.ID, ws.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if started.Status != model.WorkspaceRunning {
		t.Errorf("status after start = %q", started.Status)
	}

	stopped, err := env.svc.Stop(ctx, env.owner.ID, ws.ContainerID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped.Status != model.WorkspaceExited {
		t.Errorf("status after stop = %q", stopped.Status)
	}

	// The runtime reports the container still restarting; that is what gets stored.
	env.runtime.RestartFunc = func(ctx context.Context, id string) error {
		env.runtime.SetStatus(id, container.StatusRestarting)
		return nil
	}
	restarted, err := env.svc.Restart(ctx, env.owner.ID, ws.ID)
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if restarted.Status != model.WorkspaceRestarting {
		t.Errorf("status after restart = %q, want restarting", restarted.Status)
	}

	stored, err := env.store.GetWorkspaceByID(ctx, ws.ID)
	if err != nil {
		t.Fatalf("GetWorkspaceByID failed: %v", err)
	}
	if stored.Status != model.WorkspaceRestarting {
		t.Errorf("persisted status = %q, want restarting", stored.Status)
	}
}

func TestLifecycle_RuntimeErrorPropagates(t *testing.T) {
	env := setupTestEnv(t)
	ws := env.create(t, "dev1")

	env.runtime.StartFunc = func(ctx context.Context, id string) error {
		return &container.RuntimeError{Op: "start", ID: id, Err: errors.New("port is already allocated")}
	}

	_, err := env.svc.Start(context.Background(), env.owner.ID, ws.ID)
	var rerr *container.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RuntimeError, got %v", err)
	}

	stored, _ := env.store.GetWorkspaceByID(context.Background(), ws.ID)
	if stored.Status != model.WorkspaceCreated {
		t.Errorf("status changed to %q after failed start", stored.Status)
	}
}

func TestOperations_MissingWorkspaceSkipsRuntime(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	ops := map[string]func(context.Context, string, string) (*model.Workspace, error){
		"start":   env.svc.Start,
		"stop":    env.svc.Stop,
		"restart": env.svc.Restart,
		"remove":  env.svc.Remove,
	}
	for name, op := range ops {
		if _, err := op(ctx, env.owner.ID, "does-not-exist"); !errors.Is(err, ErrWorkspaceNotFound) {
			t.Errorf("%s: expected ErrWorkspaceNotFound, got %v", name, err)
		}
		if n := env.runtime.Calls(name); n != 0 {
			t.Errorf("%s: runtime called %d times", name, n)
		}
	}
}

func TestGet_ScopedToOwner(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	ws := env.create(t, "dev1")

	if _, err := env.svc.Get(ctx, env.owner.ID, ws.ID); err != nil {
		t.Errorf("owner Get failed: %v", err)
	}
	if _, err := env.svc.Get(ctx, env.owner.ID, ws.ContainerID); err != nil {
		t.Errorf("Get by container ID failed: %v", err)
	}
	if _, err := env.svc.Get(ctx, "someone-else", ws.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("expected ErrWorkspaceNotFound for other owner, got %v", err)
	}
	if _, err := env.svc.Stop(ctx, "someone-else", ws.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("expected ErrWorkspaceNotFound for other owner's stop, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	ws := env.create(t, "dev1")

	var changed []*model.Workspace
	env.svc.OnChange(func(w *model.Workspace) { changed = append(changed, w) })

	removed, err := env.svc.Remove(ctx, env.owner.ID, ws.ID)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if removed.Status != model.WorkspaceRemoved {
		t.Errorf("status = %q, want removed", removed.Status)
	}
	if n := env.runtime.Calls("remove"); n != 1 {
		t.Errorf("runtime remove called %d times, want 1", n)
	}
	if len(changed) != 1 || changed[0].ID != ws.ID {
		t.Errorf("change listener calls = %d", len(changed))
	}

	if _, err := env.store.GetWorkspaceByID(ctx, ws.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("row still present: %v", err)
	}

	if _, err := env.svc.Remove(ctx, env.owner.ID, ws.ID); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("second remove: expected ErrWorkspaceNotFound, got %v", err)
	}
	if n := env.runtime.Calls("remove"); n != 1 {
		t.Errorf("runtime remove called %d times after second remove, want 1", n)
	}

	// Ports are free again.
	again := env.create(t, "dev2")
	if again.SSHPort != ws.SSHPort {
		t.Errorf("ssh port %d not reused, got %d", ws.SSHPort, again.SSHPort)
	}
}

func TestRemove_ContainerAlreadyGone(t *testing.T) {
	env := setupTestEnv(t)
	ws := env.create(t, "dev1")

	env.runtime.Delete(ws.ContainerID)

	if _, err := env.svc.Remove(context.Background(), env.owner.ID, ws.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
}

func TestOnChange_FiresOnTransitions(t *testing.T) {
	env := setupTestEnv(t)
	ws := env.create(t, "dev1")

	var mu sync.Mutex
	var statuses []model.WorkspaceStatus
	env.svc.OnChange(func(w *model.Workspace) {
		mu.Lock()
		statuses = append(statuses, w.Status)
		mu.Unlock()
	})

	ctx := context.Background()
	if _, err := env.svc.Start(ctx, env.owner.ID, ws.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Stop(ctx, env.owner.ID, ws.ID); err != nil {
		t.Fatal(err)
	}

	if len(statuses) != 2 || statuses[0] != model.WorkspaceRunning || statuses[1] != model.WorkspaceExited {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestOnChange_FiresOnCreate(t *testing.T) {
	env := setupTestEnv(t)

	var changed []*model.Workspace
	env.svc.OnChange(func(w *model.Workspace) { changed = append(changed, w) })

	ws := env.create(t, "dev1")
	if len(changed) != 1 || changed[0].ID != ws.ID || changed[0].Name != "dev1" {
		t.Fatalf("change listener calls = %v", changed)
	}

	// Rejected creations are not announced.
	if _, err := env.svc.Create(context.Background(), env.owner, CreateWorkspaceRequest{Name: "dev1", Image: "busybox"}); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
	if len(changed) != 1 {
		t.Errorf("change listener calls = %d after rejected create, want 1", len(changed))
	}
}

func TestSyncStatuses(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	drifted := env.create(t, "dev1")
	vanished := env.create(t, "dev2")

	env.runtime.SetStatus(drifted.ContainerID, container.StatusRunning)
	env.runtime.Delete(vanished.ContainerID)
	env.runtime.Put(&container.Container{ID: "stray", Name: "dwm-x-y", Status: container.StatusExited})

	if err := env.svc.SyncStatuses(ctx); err != nil {
		t.Fatalf("SyncStatuses failed: %v", err)
	}

	got, err := env.store.GetWorkspaceByID(ctx, drifted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.WorkspaceRunning {
		t.Errorf("drifted status = %q, want running", got.Status)
	}

	if _, err := env.store.GetWorkspaceByID(ctx, vanished.ID); err != nil {
		t.Errorf("vanished workspace row should be kept: %v", err)
	}
}

func TestSyncStatuses_RuntimeUnavailable(t *testing.T) {
	env := setupTestEnv(t)
	env.create(t, "dev1")

	env.runtime.InspectFunc = func(ctx context.Context, id string) (*container.Container, error) {
		return nil, &container.RuntimeError{Op: "inspect", ID: id, Err: container.ErrUnavailable}
	}

	if err := env.svc.SyncStatuses(context.Background()); !errors.Is(err, container.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestListImages(t *testing.T) {
	env := setupTestEnv(t)
	env.runtime.Images = []container.ImageRef{{ID: "sha256:abc", Tags: []string{"busybox:latest"}}}

	images, err := env.svc.ListImages(context.Background())
	if err != nil {
		t.Fatalf("ListImages failed: %v", err)
	}
	if len(images) != 1 || images[0].Tags[0] != "busybox:latest" {
		t.Errorf("images = %+v", images)
	}
}
