package mocks

import (
	"context"

	"github.com/joshu-sajeev/jobrunner/internal/job"
	"github.com/stretchr/testify/mock"
)

// BackendMock is a job.Backend whose calls are scripted with On.
type BackendMock struct {
	mock.Mock
}

func (m *BackendMock) Enqueue(ctx context.Context, j *job.Job) error {
	args := m.Called(ctx, j)
	return args.Error(0)
}

func (m *BackendMock) Get(ctx context.Context, id string) (*job.Job, error) {
	args := m.Called(ctx, id)

	j, _ := args.Get(0).(*job.Job)
	return j, args.Error(1)
}

func (m *BackendMock) Cancel(ctx context.Context, id string) (*job.Job, error) {
	args := m.Called(ctx, id)

	j, _ := args.Get(0).(*job.Job)
	return j, args.Error(1)
}

func (m *BackendMock) Pause(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *BackendMock) Resume(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *BackendMock) Claim(ctx context.Context) (*job.Job, error) {
	args := m.Called(ctx)

	j, _ := args.Get(0).(*job.Job)
	return j, args.Error(1)
}

func (m *BackendMock) Heartbeat(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *BackendMock) SetProgress(ctx context.Context, id string, pct int) error {
	args := m.Called(ctx, id, pct)
	return args.Error(0)
}

func (m *BackendMock) Requeue(ctx context.Context, j *job.Job) error {
	args := m.Called(ctx, j)
	return args.Error(0)
}

func (m *BackendMock) Finish(ctx context.Context, j *job.Job) error {
	args := m.Called(ctx, j)
	return args.Error(0)
}

func (m *BackendMock) Reap(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *BackendMock) Drain(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *BackendMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *BackendMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
