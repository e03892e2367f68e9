package compilejob

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

const (
	DmeExtension = ".dme"
	DmbExtension = ".dmb"
)

// CompileJob is a committed build.
// It is immutable once it has been created in the database.
type CompileJob struct {
	ID    int64
	JobID int64

	DirectoryName uuid.UUID
	DmeName       string

	ToolchainVersion    *semver.Version
	RevisionInformation *RevisionInformation
	RepositoryOrigin    string

	MinimumSecurityLevel SecurityLevel
	DMAPIVersion         *semver.Version // nil if the artifact never negotiated

	Output string

	StartedAt  time.Time
	FinishedAt time.Time

	RemoteDeploymentID *int64
}

// DmbName returns the file name of the compiled artifact.
func (j *CompileJob) DmbName() string {
	return j.DmeName + DmbExtension
}

func (j *CompileJob) Duration() time.Duration {
	return j.FinishedAt.Sub(j.StartedAt)
}

type RevisionInformation struct {
	ID              int64
	CommitSha       string
	OriginCommitSha string
	Timestamp       time.Time
	TestMerges      []TestMerge
}

type TestMerge struct {
	Number          int
	TargetCommitSha string
	Author          string
	Title           string
}

// SecurityLevel is the sandbox level the server runs an artifact with.
// Greater values are more restrictive.
type SecurityLevel int

const (
	SecurityLevelTrusted SecurityLevel = iota
	SecurityLevelSafe
	SecurityLevelUltrasafe
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityLevelTrusted:
		return "trusted"
	case SecurityLevelSafe:
		return "safe"
	case SecurityLevelUltrasafe:
		return "ultrasafe"
	default:
		return fmt.Sprintf("SecurityLevel(%d)", int(l))
	}
}

func ParseSecurityLevel(s string) (level SecurityLevel, known bool) {
	switch strings.ToLower(s) {
	case "trusted":
		return SecurityLevelTrusted, true
	case "safe":
		return SecurityLevelSafe, true
	case "ultrasafe":
		return SecurityLevelUltrasafe, true
	default:
		return SecurityLevelUltrasafe, false
	}
}

// Timeouts used when the stored ones aren't positive.
const (
	DefaultTimeout        = time.Hour
	DefaultStartupTimeout = time.Minute
)

// Settings holds the deployment settings of the server instance.
// Timeout and StartupTimeout are always positive.
type Settings struct {
	ProjectName                 *string // nil means the project file is discovered
	APIValidationPort           int
	APIValidationSecurityLevel  SecurityLevel
	RequireDMAPIValidation      bool
	Timeout                     time.Duration
	StartupTimeout              time.Duration
	AdditionalCompilerArguments string
	CreateRemoteDeployments     bool
}
