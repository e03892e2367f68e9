package compilejobpg

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

type testMergeRow struct {
	Number          int    `json:"number"`
	TargetCommitSha string `json:"targetCommitSha"`
	Author          string `json:"author"`
	Title           string `json:"title"`
}

func testMergeRowsFrom(testMerges []compilejob.TestMerge) []testMergeRow {
	r := make([]testMergeRow, 0, len(testMerges))
	for _, tm := range testMerges {
		r = append(r, testMergeRow(tm))
	}
	return r
}

func testMergesFrom(rows []testMergeRow) []compilejob.TestMerge {
	if len(rows) == 0 {
		return nil
	}
	tms := make([]compilejob.TestMerge, 0, len(rows))
	for _, r := range rows {
		tms = append(tms, compilejob.TestMerge(r))
	}
	return tms
}

type revisionInformationRow struct {
	ID              int64          `db:"id"`
	CommitSha       string         `db:"commit_sha"`
	OriginCommitSha string         `db:"origin_commit_sha"`
	Timestamp       time.Time      `db:"timestamp"`
	TestMerges      []testMergeRow `db:"test_merges"`
}

func rowToRevisionInformation(collectableRow pgx.CollectableRow) (*compilejob.RevisionInformation, error) {
	collectedRow, err := pgx.RowToStructByName[revisionInformationRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to revision information: %w", err)
	}

	return &compilejob.RevisionInformation{
		ID:              collectedRow.ID,
		CommitSha:       collectedRow.CommitSha,
		OriginCommitSha: collectedRow.OriginCommitSha,
		Timestamp:       collectedRow.Timestamp,
		TestMerges:      testMergesFrom(collectedRow.TestMerges),
	}, nil
}

type compileJobRow struct {
	ID                    int64          `db:"id"`
	JobID                 int64          `db:"job_id"`
	DirectoryName         uuid.UUID      `db:"directory_name"`
	DmeName               string         `db:"dme_name"`
	ToolchainVersion      string         `db:"toolchain_version"`
	RepositoryOrigin      string         `db:"repository_origin"`
	MinimumSecurityLevel  string         `db:"minimum_security_level"`
	DMAPIVersion          *string        `db:"dmapi_version"`
	Output                string         `db:"output"`
	StartedAt             time.Time      `db:"started_at"`
	FinishedAt            time.Time      `db:"finished_at"`
	RemoteDeploymentID    *int64         `db:"remote_deployment_id"`
	RevisionInformationID int64          `db:"revision_information_id"`
	CommitSha             string         `db:"commit_sha"`
	OriginCommitSha       string         `db:"origin_commit_sha"`
	RevisionTimestamp     time.Time      `db:"revision_timestamp"`
	TestMerges            []testMergeRow `db:"test_merges"`
}

func rowToCompileJob(collectableRow pgx.CollectableRow) (*compilejob.CompileJob, error) {
	collectedRow, err := pgx.RowToStructByName[compileJobRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to compile job: %w", err)
	}

	securityLevel, known := compilejob.ParseSecurityLevel(collectedRow.MinimumSecurityLevel)
	if !known {
		slog.Default().Warn(
			"unknown security level encountered while creating compile job",
			"security_level", collectedRow.MinimumSecurityLevel,
			"compile_job_id", collectedRow.ID,
		)
	}

	toolchainVersion, err := semver.NewVersion(collectedRow.ToolchainVersion)
	if err != nil {
		return nil, fmt.Errorf("row to compile job: toolchain version: %w", err)
	}

	var dmapiVersion *semver.Version
	if collectedRow.DMAPIVersion != nil {
		dmapiVersion, err = semver.NewVersion(*collectedRow.DMAPIVersion)
		if err != nil {
			return nil, fmt.Errorf("row to compile job: dmapi version: %w", err)
		}
	}

	return &compilejob.CompileJob{
		ID:               collectedRow.ID,
		JobID:            collectedRow.JobID,
		DirectoryName:    collectedRow.DirectoryName,
		DmeName:          collectedRow.DmeName,
		ToolchainVersion: toolchainVersion,
		RevisionInformation: &compilejob.RevisionInformation{
			ID:              collectedRow.RevisionInformationID,
			CommitSha:       collectedRow.CommitSha,
			OriginCommitSha: collectedRow.OriginCommitSha,
			Timestamp:       collectedRow.RevisionTimestamp,
			TestMerges:      testMergesFrom(collectedRow.TestMerges),
		},
		RepositoryOrigin:     collectedRow.RepositoryOrigin,
		MinimumSecurityLevel: securityLevel,
		DMAPIVersion:         dmapiVersion,
		Output:               collectedRow.Output,
		StartedAt:            collectedRow.StartedAt,
		FinishedAt:           collectedRow.FinishedAt,
		RemoteDeploymentID:   collectedRow.RemoteDeploymentID,
	}, nil
}

type settingsRow struct {
	ProjectName                 *string `db:"project_name"`
	APIValidationPort           int     `db:"api_validation_port"`
	APIValidationSecurityLevel  string  `db:"api_validation_security_level"`
	RequireDMAPIValidation      bool    `db:"require_dmapi_validation"`
	TimeoutSeconds              int     `db:"timeout_seconds"`
	StartupTimeoutSeconds       int     `db:"startup_timeout_seconds"`
	AdditionalCompilerArguments string  `db:"additional_compiler_arguments"`
	CreateRemoteDeployments     bool    `db:"create_remote_deployments"`
}

func rowToSettings(collectableRow pgx.CollectableRow) (*compilejob.Settings, error) {
	collectedRow, err := pgx.RowToStructByName[settingsRow](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to settings: %w", err)
	}

	securityLevel, known := compilejob.ParseSecurityLevel(collectedRow.APIValidationSecurityLevel)
	if !known {
		slog.Default().Warn(
			"unknown api validation security level, using ultrasafe",
			"security_level", collectedRow.APIValidationSecurityLevel,
		)
	}

	return &compilejob.Settings{
		ProjectName:                 collectedRow.ProjectName,
		APIValidationPort:           collectedRow.APIValidationPort,
		APIValidationSecurityLevel:  securityLevel,
		RequireDMAPIValidation:      collectedRow.RequireDMAPIValidation,
		Timeout:                     timeoutFrom("timeout", collectedRow.TimeoutSeconds, compilejob.DefaultTimeout),
		StartupTimeout:              timeoutFrom("startup_timeout", collectedRow.StartupTimeoutSeconds, compilejob.DefaultStartupTimeout),
		AdditionalCompilerArguments: collectedRow.AdditionalCompilerArguments,
		CreateRemoteDeployments:     collectedRow.CreateRemoteDeployments,
	}, nil
}

// timeoutFrom converts stored seconds, falling back to def when they aren't positive.
func timeoutFrom(name string, seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		slog.Default().Warn("non-positive timeout, using default", "setting", name, "seconds", seconds, "default", def)
		return def
	}
	return secondsToDuration(seconds)
}
