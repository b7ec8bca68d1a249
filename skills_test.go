package worlds

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
}

func TestSkillSyncScansBothLayouts(t *testing.T) {
	global := t.TempDir()
	writeSkill(t, filepath.Join(global, "Code Review.md"),
		"# Code Review\n\nReview diffs for correctness.\n\n## Steps\n")
	writeSkill(t, filepath.Join(global, "deploy", "SKILL.md"),
		"# Deploy\n\nShip a release.\n")
	// Non-markdown files are ignored.
	writeSkill(t, filepath.Join(global, "notes.txt"), "not a skill")

	r := NewSkillRegistry(global, "")
	skills, err := r.Sync()
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(skills) != 2 {
		t.Fatalf("Sync() = %d skills, want 2", len(skills))
	}
	// Sorted by id.
	if skills[0].ID != "code-review" || skills[1].ID != "deploy" {
		t.Errorf("ids = %s,%s, want code-review,deploy", skills[0].ID, skills[1].ID)
	}
	if skills[0].Name != "Code Review" {
		t.Errorf("Name = %q, want the first heading", skills[0].Name)
	}
	if skills[0].Description != "Review diffs for correctness." {
		t.Errorf("Description = %q, want the first paragraph", skills[0].Description)
	}
	if skills[1].Scope != SkillGlobal {
		t.Errorf("Scope = %q, want global", skills[1].Scope)
	}
}

func TestSkillProjectShadowsGlobal(t *testing.T) {
	global := t.TempDir()
	project := t.TempDir()
	writeSkill(t, filepath.Join(global, "deploy.md"), "# Deploy\n\nGlobal flavor.\n")
	writeSkill(t, filepath.Join(project, "deploy.md"), "# Deploy\n\nProject flavor.\n")

	r := NewSkillRegistry(global, project)
	if _, err := r.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	s, ok := r.Load("deploy")
	if !ok {
		t.Fatal("Load(deploy) not found")
	}
	if s.Scope != SkillProject || s.Description != "Project flavor." {
		t.Errorf("shadowed skill = %+v, want the project copy", s)
	}
}

func TestSkillScopeToggleReadPerRequest(t *testing.T) {
	global := t.TempDir()
	writeSkill(t, filepath.Join(global, "deploy.md"), "# Deploy\n\nShip.\n")

	r := NewSkillRegistry(global, "")
	if _, err := r.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(r.List()) != 1 {
		t.Fatalf("List() = %d, want 1", len(r.List()))
	}

	// Toggling the scope off takes effect without a re-sync.
	t.Setenv("AGENT_WORLD_ENABLE_GLOBAL_SKILLS", "0")
	if got := r.List(); len(got) != 0 {
		t.Errorf("List() with scope off = %d skills, want 0", len(got))
	}
	t.Setenv("AGENT_WORLD_ENABLE_GLOBAL_SKILLS", "true")
	if got := r.List(); len(got) != 1 {
		t.Errorf("List() with scope back on = %d skills, want 1", len(got))
	}
}

func TestSkillDisableList(t *testing.T) {
	global := t.TempDir()
	writeSkill(t, filepath.Join(global, "deploy.md"), "# Deploy\n\nShip.\n")
	writeSkill(t, filepath.Join(global, "review.md"), "# Review\n\nRead.\n")

	r := NewSkillRegistry(global, "")
	if _, err := r.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	t.Setenv("AGENT_WORLD_DISABLED_GLOBAL_SKILLS", " Deploy , nonexistent")
	got := r.List()
	if len(got) != 1 || got[0].ID != "review" {
		t.Errorf("List() = %+v, want just review", got)
	}
	if _, ok := r.Load("deploy"); ok {
		t.Error("Load(deploy) succeeded while disabled")
	}
}

func TestLoadSkillContext(t *testing.T) {
	global := t.TempDir()
	writeSkill(t, filepath.Join(global, "deploy.md"), "# Deploy\n\nShip.\n")

	r := NewSkillRegistry(global, "")
	if _, err := r.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	got := r.LoadSkillContext("Deploy")
	if !strings.HasPrefix(got, `<skill_context id="deploy">`) {
		t.Errorf("context = %q, want the skill_context wrapper", got)
	}
	if !strings.Contains(got, "Ship.") {
		t.Errorf("context = %q, want the skill content", got)
	}

	if got := r.LoadSkillContext("missing"); !strings.Contains(got, "not found") {
		t.Errorf("missing skill context = %q, want not found", got)
	}
}

func TestForSystemPrompt(t *testing.T) {
	r := NewSkillRegistry("", "")
	if _, err := r.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got := r.ForSystemPrompt(); got != "" {
		t.Errorf("ForSystemPrompt() with no skills = %q, want empty", got)
	}

	global := t.TempDir()
	writeSkill(t, filepath.Join(global, "deploy.md"), "# Deploy\n\nShip a release.\n")
	r = NewSkillRegistry(global, "")
	if _, err := r.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	got := r.ForSystemPrompt()
	if !strings.Contains(got, "- deploy: Ship a release.") {
		t.Errorf("ForSystemPrompt() = %q, want the deploy summary line", got)
	}
}
