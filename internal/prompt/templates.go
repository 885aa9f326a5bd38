package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

//go:embed templates/*.tmpl
var templateFiles embed.FS

var baseTemplates = template.Must(template.ParseFS(templateFiles, "templates/*.tmpl"))

// GuideData is the context rendered into the static stable segments.
type GuideData struct {
	TaskID string
}

func render(name string, data GuideData) string {
	var buf bytes.Buffer
	if err := baseTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		panic(fmt.Sprintf("prompt: render %s failed: %v", name, err))
	}
	return buf.String()
}

// TemplateIDFor returns the registered template id for a role, per
// spec.md §4.5 ("registered template for the role").
func TemplateIDFor(role domain.Role) string {
	return "dispatch." + string(role)
}

const TemplateVersionV1 = "v1"

// BuildRegistry constructs the default template registry: one template per
// role, each with a tools/system/examples stable prefix. The dynamic tail
// (task id, budgets, delta packet, guide mode) is supplied per-compile by
// the runtime manager, never baked into the registered template.
func BuildRegistry() *Registry {
	reg := NewRegistry()

	reg.Register(TemplateIDFor(domain.Implementer), TemplateVersionV1, []Segment{
		{Kind: KindTools, Stable: true, Text: render("tools.tmpl", GuideData{})},
		{Kind: KindSystem, Stable: true, Text: render("implementer_system.tmpl", GuideData{TaskID: "{{task_id}}"})},
		{Kind: KindExamples, Stable: true, Text: render("examples.tmpl", GuideData{})},
	})

	reg.Register(TemplateIDFor(domain.Reviewer), TemplateVersionV1, []Segment{
		{Kind: KindTools, Stable: true, Text: render("tools.tmpl", GuideData{})},
		{Kind: KindSystem, Stable: true, Text: render("reviewer_system.tmpl", GuideData{TaskID: "{{task_id}}"})},
		{Kind: KindExamples, Stable: true, Text: render("examples.tmpl", GuideData{})},
	})

	return reg
}
