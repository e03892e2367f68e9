package main

import (
	"context"

	"github.com/k11v/dreamdeploy/internal/deploy"
	"github.com/k11v/dreamdeploy/internal/session"
	"github.com/k11v/dreamdeploy/internal/sourcecontrol"
)

var (
	_ deploy.RepositoryManager = (*repositoryManager)(nil)
	_ deploy.Launcher          = (*launcher)(nil)
)

type repositoryManager struct {
	manager *sourcecontrol.Manager
}

func (m *repositoryManager) LoadRepository(ctx context.Context) (deploy.Repository, error) {
	repo, err := m.manager.LoadRepository(ctx)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

type launcher struct {
	launcher *session.Launcher
}

func (l *launcher) Launch(ctx context.Context, params *session.LaunchParams) (deploy.Session, error) {
	s, err := l.launcher.Launch(ctx, params)
	if err != nil {
		return nil, err
	}
	return s, nil
}
