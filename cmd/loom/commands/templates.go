package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"text/template"

	"github.com/loomhq/loom/pkg/schema"
)

// fileTemplateRenderer renders prompt templates from <templates_dir>/<id>.tmpl
// using text/template, with the step's merged variables as the data.
type fileTemplateRenderer struct {
	dir string
}

func newFileTemplateRenderer(dir string) *fileTemplateRenderer {
	return &fileTemplateRenderer{dir: dir}
}

func (r *fileTemplateRenderer) Render(templateID string, vars map[string]any) (string, error) {
	path := filepath.Join(r.dir, templateID+".tmpl")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTemplateNotFound,
			"template %q not found at %s", templateID, path).WithCause(err)
	}

	tpl, err := template.New(templateID).Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTemplateNotFound,
			"template %q is invalid: %s", templateID, err.Error()).WithCause(err)
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, vars); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTemplateNotFound,
			"template %q failed to render: %s", templateID, err.Error()).WithCause(err)
	}
	return buf.String(), nil
}
