package providers

import (
	"fmt"
	"strings"

	"github.com/ahrav/go-evalpipe/internal/oracle"
)

// maxContentChars truncates document text sent to the model.
const maxContentChars = 24000

// simplifiedContentChars is the reduced excerpt for the simplified template task.
const simplifiedContentChars = 6000

const evaluateSystemPrompt = `You are a strict document reviewer. Score the document against each criterion on a 0-10 scale.
Respond with a single JSON object:
{"scores":[{"name":"<criterion>","score":<number>}],"notes":"<short rationale>","relevant":<true|false>}
Set "relevant" to false when the document does not address the stated context at all.`

const templateSystemPrompt = `You compare a document against a reference template.
Respond with a single JSON object:
{"theme_match":<0-10>,"structure_adherence":<0-10>,"deviations":["<short description>"]}`

func systemPrompt(task oracle.Task) string {
	if task.IsTemplate() {
		return templateSystemPrompt
	}
	return evaluateSystemPrompt
}

func userPrompt(req *oracle.Request, text string) string {
	var sb strings.Builder
	switch req.Task {
	case oracle.TaskEvaluate:
		fmt.Fprintf(&sb, "Context: %s\n\nCriteria:\n", req.Context)
		for _, c := range req.Criteria {
			if c.Description != "" {
				fmt.Fprintf(&sb, "- %s: %s\n", c.Name, c.Description)
			} else {
				fmt.Fprintf(&sb, "- %s\n", c.Name)
			}
		}
		sb.WriteString("\nDocument:\n")
		sb.WriteString(truncate(text, maxContentChars))

	case oracle.TaskTemplateFull:
		t := req.Template
		fmt.Fprintf(&sb, "Template: %s\n%s\n", t.Name, t.Description)
		if len(t.ThemeKeywords) > 0 {
			fmt.Fprintf(&sb, "Themes: %s\n", strings.Join(t.ThemeKeywords, ", "))
		}
		if len(t.Sections) > 0 {
			fmt.Fprintf(&sb, "Required sections, in order: %s\n", strings.Join(t.Sections, "; "))
		}
		if t.MinPages > 0 || t.MaxPages > 0 {
			fmt.Fprintf(&sb, "Expected length: %d-%d pages\n", t.MinPages, t.MaxPages)
		}
		sb.WriteString("\nDocument:\n")
		sb.WriteString(truncate(text, maxContentChars))

	case oracle.TaskTemplateSimplified:
		t := req.Template
		fmt.Fprintf(&sb, "Themes: %s\nSections: %s\n\nDocument excerpt:\n",
			strings.Join(t.ThemeKeywords, ", "), strings.Join(t.Sections, "; "))
		sb.WriteString(truncate(text, simplifiedContentChars))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
