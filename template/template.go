package template

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"sync"
	"text/template"
)

//go:embed *.gotmpl
var templatesFS embed.FS

var templatesOnce = sync.OnceValues(func() (map[string]*Template, error) {
	entries, err := templatesFS.ReadDir(".")
	if err != nil {
		return nil, err
	}

	templates := make(map[string]*Template, len(entries))
	for _, e := range entries {
		bts, err := templatesFS.ReadFile(e.Name())
		if err != nil {
			return nil, err
		}

		// normalize line endings
		bts = bytes.ReplaceAll(bts, []byte("\r\n"), []byte("\n"))

		name := strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		t, err := Parse(name, string(bts))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}

		templates[name] = t
	}

	return templates, nil
})

// Sample is one instruction-formatted record.
type Sample struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

type Template struct {
	*template.Template
	raw string
}

func (t *Template) String() string {
	return t.raw
}

func Parse(name, s string) (*Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(s)
	if err != nil {
		return nil, err
	}

	return &Template{Template: tmpl, raw: s}, nil
}

// Named returns one of the built-in prompt templates.
func Named(name string) (*Template, error) {
	templates, err := templatesOnce()
	if err != nil {
		return nil, err
	}

	t, ok := templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown prompt type %q, expected one of %s", name, strings.Join(Names(), ", "))
	}

	return t, nil
}

// Names lists the built-in prompt templates in sorted order.
func Names() []string {
	templates, err := templatesOnce()
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Execute renders the prompt part of s; the expected output is never included.
func (t *Template) Execute(w io.Writer, s Sample) error {
	s.Output = ""
	return t.Template.Execute(w, s)
}

// Generate formats s with the named prompt template.
func Generate(s Sample, promptType string) (string, error) {
	t, err := Named(promptType)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := t.Execute(&b, s); err != nil {
		return "", err
	}

	return b.String(), nil
}
