package gemini

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"github.com/phrazzld/scry-ingest/internal/inference"
)

const defaultPrompt = `You classify uploaded objects.
The object is named {{ printf "%q" .Name }} and has content type {{ .ContentType }}.
Reply with a single JSON object of the form {"label": "<short lowercase category>", "score": <confidence between 0 and 1>}.
Do not include any other text.`

// loadPrompt parses the template at path, or the built-in prompt when path
// is empty.
func loadPrompt(path string) (*template.Template, error) {
	text := defaultPrompt
	name := "default"
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read prompt template from %s: %v",
				inference.ErrInvalidConfig, path, err)
		}
		text, name = string(data), path
	}

	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v", inference.ErrInvalidConfig, err)
	}
	return tmpl, nil
}

func renderPrompt(tmpl *template.Template, in inference.Input) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, promptData{Name: in.Name, ContentType: in.ContentType}); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}
