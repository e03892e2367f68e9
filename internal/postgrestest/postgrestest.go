// Package postgrestest starts a disposable PostgreSQL container with the
// application's migrations applied.
package postgrestest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/dreamdeploy/internal/postgresprovision"
)

const (
	image    = "postgres:16-alpine"
	user     = "postgres"
	password = "postgres"
	database = "postgres"
)

func Setup(ctx context.Context) (connectionString string, teardown func() error, err error) {
	teardownFuncs := make([]func() error, 0)
	maybeTeardown := func() error {
		var merr error
		for len(teardownFuncs) > 0 {
			var teardownFunc func() error
			teardownFuncs, teardownFunc = teardownFuncs[:len(teardownFuncs)-1], teardownFuncs[len(teardownFuncs)-1]

			if terr := teardownFunc(); terr != nil {
				merr = errors.Join(merr, terr)
			}
		}
		return merr
	}
	defer func() {
		if maybeTeardown != nil {
			_ = maybeTeardown()
		}
	}()

	postgresContainerReq := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: image,
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       database,
			},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(60 * time.Second),
		},
		Started: true,
	}
	postgresContainer, err := testcontainers.GenericContainer(ctx, postgresContainerReq)
	teardownFuncs = append(teardownFuncs, func() error {
		return testcontainers.TerminateContainer(postgresContainer)
	})
	if err != nil {
		return "", nil, fmt.Errorf("postgrestest: %w", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("postgrestest: %w", err)
	}
	mappedPort, err := postgresContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return "", nil, fmt.Errorf("postgrestest: %w", err)
	}

	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     net.JoinHostPort(host, mappedPort.Port()),
		Path:     "/" + database,
		RawQuery: "sslmode=disable",
	}
	connectionString = u.String()

	if err = postgresprovision.Setup(connectionString); err != nil {
		return "", nil, fmt.Errorf("postgrestest: %w", err)
	}

	teardown = maybeTeardown
	maybeTeardown = nil
	return connectionString, teardown, nil
}
