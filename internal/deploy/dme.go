package deploy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/k11v/dreamdeploy/internal/compilejob"
)

const (
	beginIncludeMarker = "BEGIN_INCLUDE"
	endIncludeMarker   = "END_INCLUDE"
)

// resolveProjectFile returns the project name relative to dir without the extension.
// Without a configured name the first .dme at the top of dir is used.
func resolveProjectFile(dir string, projectName *string) (string, error) {
	if projectName == nil || *projectName == "" {
		matches, err := doublestar.Glob(os.DirFS(dir), "*"+compilejob.DmeExtension)
		if err != nil {
			return "", fmt.Errorf("resolve project file: %w", err)
		}
		if len(matches) == 0 {
			return "", fmt.Errorf("resolve project file: %w", ErrNoProjectFile)
		}
		return strings.TrimSuffix(matches[0], compilejob.DmeExtension), nil
	}

	name := filepath.Clean(filepath.FromSlash(strings.TrimSuffix(*projectName, compilejob.DmeExtension)))
	path := filepath.Join(dir, name+compilejob.DmeExtension)
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
		return "", fmt.Errorf("resolve project file: %s: %w", *projectName, ErrProjectOutsideDirectory)
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("resolve project file: %s: %w", *projectName, ErrMissingProjectFile)
		}
		return "", fmt.Errorf("resolve project file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("resolve project file: %s: %w", *projectName, ErrMissingProjectFile)
	}

	return name, nil
}

// injectIncludes inserts headLine after the BEGIN_INCLUDE line and tailLine
// before the END_INCLUDE line of the project file. Empty lines are skipped.
func injectIncludes(dmePath string, headLine string, tailLine string) error {
	if headLine == "" && tailLine == "" {
		return nil
	}

	content, err := os.ReadFile(dmePath)
	if err != nil {
		return fmt.Errorf("inject includes: %w", err)
	}

	newline := "\n"
	if strings.Contains(string(content), "\r\n") {
		newline = "\r\n"
	}
	lines := strings.Split(string(content), newline)

	out := make([]string, 0, len(lines)+2)
	headDone := headLine == ""
	tailDone := tailLine == ""
	for i, line := range lines {
		if !headDone && strings.Contains(line, beginIncludeMarker) {
			out = append(out, line, headLine)
			headDone = true
			continue
		}
		if !tailDone && strings.Contains(line, endIncludeMarker) {
			out = append(out, tailLine)
			out = append(out, lines[i:]...)
			tailDone = true
			break
		}
		out = append(out, line)
	}

	if !headDone || !tailDone {
		return fmt.Errorf("inject includes: %s: %w", filepath.Base(dmePath), ErrMissingIncludeMarkers)
	}

	info, err := os.Stat(dmePath)
	if err != nil {
		return fmt.Errorf("inject includes: %w", err)
	}
	if err = os.WriteFile(dmePath, []byte(strings.Join(out, newline)), info.Mode().Perm()); err != nil {
		return fmt.Errorf("inject includes: %w", err)
	}
	return nil
}
