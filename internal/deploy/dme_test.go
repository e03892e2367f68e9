package deploy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFiles(tb testing.TB, dir string, files map[string]string) {
	tb.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			tb.Fatalf("didn't want %q", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			tb.Fatalf("didn't want %q", err)
		}
	}
}

func TestResolveProjectFile(t *testing.T) {
	ptr := func(s string) *string { return &s }

	tests := []struct {
		name        string
		files       map[string]string
		projectName *string
		want        string
		wantErr     error
	}{
		{
			name:  "discovers the project file",
			files: map[string]string{"tgstation.dme": "", "code/world.dm": ""},
			want:  "tgstation",
		},
		{
			name:        "treats an empty name as unset",
			files:       map[string]string{"tgstation.dme": ""},
			projectName: ptr(""),
			want:        "tgstation",
		},
		{
			name:    "fails without a project file",
			files:   map[string]string{"code/world.dm": ""},
			wantErr: ErrNoProjectFile,
		},
		{
			name:    "ignores nested project files",
			files:   map[string]string{"maps/map.dme": ""},
			wantErr: ErrNoProjectFile,
		},
		{
			name:        "uses the configured name",
			files:       map[string]string{"tgstation.dme": "", "baystation.dme": ""},
			projectName: ptr("baystation"),
			want:        "baystation",
		},
		{
			name:        "accepts the configured name with an extension",
			files:       map[string]string{"baystation.dme": ""},
			projectName: ptr("baystation.dme"),
			want:        "baystation",
		},
		{
			name:        "accepts a nested configured name",
			files:       map[string]string{"game/baystation.dme": ""},
			projectName: ptr("game/baystation"),
			want:        filepath.Join("game", "baystation"),
		},
		{
			name:        "fails with a missing configured name",
			files:       map[string]string{"tgstation.dme": ""},
			projectName: ptr("baystation"),
			wantErr:     ErrMissingProjectFile,
		},
		{
			name:        "fails with a configured name outside the directory",
			files:       map[string]string{"tgstation.dme": ""},
			projectName: ptr("../tgstation"),
			wantErr:     ErrProjectOutsideDirectory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, tt.files)

			got, err := resolveProjectFile(dir, tt.projectName)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInjectIncludes(t *testing.T) {
	const head = `#include "HeadInclude.dm"`
	const tail = `#include "TailInclude.dm"`

	tests := []struct {
		name    string
		content string
		head    string
		tail    string
		want    string
		wantErr error
	}{
		{
			name:    "inserts both includes",
			content: "// BEGIN_INCLUDE\n#include \"a.dm\"\n// END_INCLUDE\n",
			head:    head,
			tail:    tail,
			want:    "// BEGIN_INCLUDE\n" + head + "\n#include \"a.dm\"\n" + tail + "\n// END_INCLUDE\n",
		},
		{
			name:    "inserts only the head include",
			content: "// BEGIN_INCLUDE\n#include \"a.dm\"\n// END_INCLUDE\n",
			head:    head,
			want:    "// BEGIN_INCLUDE\n" + head + "\n#include \"a.dm\"\n// END_INCLUDE\n",
		},
		{
			name:    "inserts only the tail include",
			content: "// BEGIN_INCLUDE\n#include \"a.dm\"\n// END_INCLUDE\n",
			tail:    tail,
			want:    "// BEGIN_INCLUDE\n#include \"a.dm\"\n" + tail + "\n// END_INCLUDE\n",
		},
		{
			name:    "keeps CRLF line endings",
			content: "// BEGIN_INCLUDE\r\n#include \"a.dm\"\r\n// END_INCLUDE\r\n",
			head:    head,
			tail:    tail,
			want:    "// BEGIN_INCLUDE\r\n" + head + "\r\n#include \"a.dm\"\r\n" + tail + "\r\n// END_INCLUDE\r\n",
		},
		{
			name:    "leaves the file alone without includes",
			content: "#include \"a.dm\"\n",
			want:    "#include \"a.dm\"\n",
		},
		{
			name:    "fails without the begin marker",
			content: "#include \"a.dm\"\n// END_INCLUDE\n",
			head:    head,
			tail:    tail,
			wantErr: ErrMissingIncludeMarkers,
		},
		{
			name:    "fails without the end marker",
			content: "// BEGIN_INCLUDE\n#include \"a.dm\"\n",
			head:    head,
			tail:    tail,
			wantErr: ErrMissingIncludeMarkers,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tgstation.dme")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("didn't want %q", err)
			}

			err := injectIncludes(path, tt.head, tt.tail)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}

			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
