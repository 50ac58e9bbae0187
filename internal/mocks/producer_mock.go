package mocks

import (
	"context"

	"github.com/joshu-sajeev/jobrunner/internal/job"
	"github.com/stretchr/testify/mock"
)

type ProducerMock struct {
	mock.Mock
}

func (m *ProducerMock) Enqueue(ctx context.Context, name string, payload any, opts *job.EnqueueOptions) (string, error) {
	args := m.Called(ctx, name, payload, opts)
	return args.String(0), args.Error(1)
}

func (m *ProducerMock) GetJob(ctx context.Context, id string) (*job.Job, error) {
	args := m.Called(ctx, id)

	j, _ := args.Get(0).(*job.Job)
	return j, args.Error(1)
}

func (m *ProducerMock) Cancel(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *ProducerMock) Pause(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *ProducerMock) Resume(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
