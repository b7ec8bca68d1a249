package worlds

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// SkillScope distinguishes shared skills from per-project ones.
type SkillScope string

const (
	SkillGlobal  SkillScope = "global"
	SkillProject SkillScope = "project"
)

// Skill is one stored instruction package. Name and Description come from
// the markdown itself: the first heading and the first paragraph.
type Skill struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Scope       SkillScope `json:"scope"`
	Path        string     `json:"path"`
	Content     string     `json:"-"`
}

// SkillRegistry scans global and project skill directories. A skill is a
// markdown file, either <dir>/<name>.md or <dir>/<name>/SKILL.md; its id
// is the kebab form of the name. Scope toggles and per-skill disable lists
// come from the environment and are read on every request, never cached,
// so runtime changes take effect.
type SkillRegistry struct {
	globalDir  string
	projectDir string
	logger     *slog.Logger

	mu     sync.RWMutex
	skills map[string]Skill
}

// SkillRegistryOption configures a SkillRegistry.
type SkillRegistryOption func(*SkillRegistry)

// WithSkillLogger sets the logger.
func WithSkillLogger(l *slog.Logger) SkillRegistryOption {
	return func(r *SkillRegistry) { r.logger = l }
}

// NewSkillRegistry creates a registry over the two scope directories.
// Either directory may be empty to disable that scope entirely.
func NewSkillRegistry(globalDir, projectDir string, opts ...SkillRegistryOption) *SkillRegistry {
	r := &SkillRegistry{
		globalDir:  globalDir,
		projectDir: projectDir,
		logger:     nopLogger,
		skills:     make(map[string]Skill),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// scopeEnabled reads the scope toggle from the environment. Scopes are on
// unless explicitly switched off.
func scopeEnabled(scope SkillScope) bool {
	var v string
	switch scope {
	case SkillGlobal:
		v = os.Getenv("AGENT_WORLD_ENABLE_GLOBAL_SKILLS")
	case SkillProject:
		v = os.Getenv("AGENT_WORLD_ENABLE_PROJECT_SKILLS")
	}
	return v != "0" && v != "false"
}

// disabledSkills reads the comma-separated disable list for a scope.
func disabledSkills(scope SkillScope) map[string]bool {
	var v string
	switch scope {
	case SkillGlobal:
		v = os.Getenv("AGENT_WORLD_DISABLED_GLOBAL_SKILLS")
	case SkillProject:
		v = os.Getenv("AGENT_WORLD_DISABLED_PROJECT_SKILLS")
	}
	out := make(map[string]bool)
	for _, name := range strings.Split(v, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out[Kebab(name)] = true
		}
	}
	return out
}

// Sync rescans both directories and replaces the in-memory index. Project
// skills shadow global skills with the same id.
func (r *SkillRegistry) Sync() ([]Skill, error) {
	found := make(map[string]Skill)
	for _, scan := range []struct {
		dir   string
		scope SkillScope
	}{
		{r.globalDir, SkillGlobal},
		{r.projectDir, SkillProject},
	} {
		if scan.dir == "" {
			continue
		}
		skills, err := scanSkillDir(scan.dir, scan.scope)
		if err != nil {
			r.logger.Warn("skill scan failed", "dir", scan.dir, "error", err)
			continue
		}
		for _, s := range skills {
			found[s.ID] = s
		}
	}

	r.mu.Lock()
	r.skills = found
	r.mu.Unlock()

	out := make([]Skill, 0, len(found))
	for _, s := range found {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func scanSkillDir(dir string, scope SkillScope) ([]Skill, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Skill
	for _, e := range entries {
		var path, base string
		if e.IsDir() {
			path = filepath.Join(dir, e.Name(), "SKILL.md")
			base = e.Name()
		} else if strings.HasSuffix(e.Name(), ".md") {
			path = filepath.Join(dir, e.Name())
			base = strings.TrimSuffix(e.Name(), ".md")
		} else {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		name, desc := extractSkillMeta(raw)
		if name == "" {
			name = base
		}
		out = append(out, Skill{
			ID:          Kebab(base),
			Name:        name,
			Description: desc,
			Scope:       scope,
			Path:        path,
			Content:     string(raw),
		})
	}
	return out, nil
}

// extractSkillMeta pulls the first heading and first paragraph out of the
// skill markdown.
func extractSkillMeta(source []byte) (name, description string) {
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch n.Kind() {
		case ast.KindHeading:
			if name == "" {
				name = string(nodeText(n, source))
			}
		case ast.KindParagraph:
			if description == "" {
				description = string(nodeText(n, source))
			}
		}
		if name != "" && description != "" {
			break
		}
	}
	return name, description
}

func nodeText(n ast.Node, source []byte) []byte {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(source))
			continue
		}
		b.Write(nodeText(c, source))
	}
	return []byte(b.String())
}

// enabled filters the index through the environment toggles, per request.
func (r *SkillRegistry) enabled() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Skill
	for _, s := range r.skills {
		if !scopeEnabled(s.Scope) {
			continue
		}
		if disabledSkills(s.Scope)[s.ID] {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns the currently enabled skills.
func (r *SkillRegistry) List() []Skill {
	return r.enabled()
}

// Load returns an enabled skill by id.
func (r *SkillRegistry) Load(id string) (Skill, bool) {
	id = Kebab(id)
	for _, s := range r.enabled() {
		if s.ID == id {
			return s, true
		}
	}
	return Skill{}, false
}

// LoadSkillContext renders the load_skill tool output: the skill content
// wrapped in a skill_context element, or "not found".
func (r *SkillRegistry) LoadSkillContext(id string) string {
	s, ok := r.Load(id)
	body := "not found"
	if ok {
		body = s.Content
	}
	return `<skill_context id="` + Kebab(id) + `">` + "\n" + body + "\n</skill_context>"
}

// ForSystemPrompt renders a one-line summary per enabled skill for
// injection into agent system prompts.
func (r *SkillRegistry) ForSystemPrompt() string {
	skills := r.enabled()
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available skills (use load_skill to read one):\n")
	for _, s := range skills {
		b.WriteString("- ")
		b.WriteString(s.ID)
		if s.Description != "" {
			b.WriteString(": ")
			b.WriteString(s.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
