package repo

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func patchAndRead(t *testing.T, content string, patch DependencyPatch) (*ProjectSpec, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "project.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := PatchFile(path, patch); err != nil {
		t.Fatalf("PatchFile() error: %v", err)
	}
	spec, err := ReadProjectSpec(path)
	if err != nil {
		t.Fatalf("patched file is invalid: %v", err)
	}
	data, _ := os.ReadFile(path)
	return spec, string(data)
}

func TestPatch_AddAndReplace(t *testing.T) {
	content := `# api project
name: api
dependencies:
  - utils
  - requests: {version: "^2.0"}
`
	spec, raw := patchAndRead(t, content, DependencyPatch{
		Add: []Dependency{
			{Name: "Requests", Version: "^2.31"},
			{Name: "httpx"},
		},
	})

	want := DependencyList{
		{Name: "utils"},
		{Name: "Requests", Version: "^2.31"},
		{Name: "httpx"},
	}
	if !reflect.DeepEqual(spec.Dependencies, want) {
		t.Errorf("dependencies = %+v, want %+v", spec.Dependencies, want)
	}
	if !strings.Contains(raw, "# api project") {
		t.Error("comments should be preserved")
	}
}

func TestPatch_Remove(t *testing.T) {
	content := "name: api\ndependencies:\n  - utils\n  - typing_extensions\n"
	spec, _ := patchAndRead(t, content, DependencyPatch{Remove: []string{"typing-extensions", "absent"}})

	if got := spec.Dependencies.Names(); !reflect.DeepEqual(got, []string{"utils"}) {
		t.Errorf("dependencies = %v, want [utils]", got)
	}
}

func TestPatch_CreatesGroup(t *testing.T) {
	content := "name: api\n"
	spec, _ := patchAndRead(t, content, DependencyPatch{
		Group: "server",
		Add:   []Dependency{{Name: "uvicorn", Version: "^0.23", Extras: []string{"standard"}}},
	})

	want := DependencyList{{Name: "uvicorn", Version: "^0.23", Extras: []string{"standard"}}}
	if !reflect.DeepEqual(spec.Extras["server"], want) {
		t.Errorf("extras.server = %+v, want %+v", spec.Extras["server"], want)
	}
	if len(spec.Dependencies) != 0 {
		t.Errorf("main dependencies should stay untouched, got %v", spec.Dependencies.Names())
	}
}

func TestPatch_NullDependencies(t *testing.T) {
	content := "name: api\ndependencies:\n"
	spec, _ := patchAndRead(t, content, DependencyPatch{Add: []Dependency{{Name: "utils", Version: "*"}}})

	if got := spec.Dependencies.Names(); !reflect.DeepEqual(got, []string{"utils"}) {
		t.Errorf("dependencies = %v, want [utils]", got)
	}
}

func TestPatch_RejectsNonMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "project.yml")
	if err := os.WriteFile(path, []byte("- a\n- b\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := PatchFile(path, DependencyPatch{Remove: []string{"a"}}); err == nil {
		t.Error("PatchFile() should reject a non-mapping document")
	}
}

func TestDiffGroup(t *testing.T) {
	before := map[string]any{"requests": "^2.0", "httpx": "^0.24", "gone": "*"}
	after := map[string]any{
		"requests": "^2.0",
		"httpx":    "^0.25",
		"pydantic": map[string]any{"version": "^2.0", "extras": []any{"email"}},
	}

	patch := diffGroup(before, after)
	want := DependencyPatch{
		Add: []Dependency{
			{Name: "httpx", Version: "^0.25"},
			{Name: "pydantic", Version: "^2.0", Extras: []string{"email"}},
		},
		Remove: []string{"gone"},
	}
	if !reflect.DeepEqual(patch, want) {
		t.Errorf("diffGroup() = %+v, want %+v", patch, want)
	}
}
