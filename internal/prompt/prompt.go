// Package prompt renders the fixed two-message instruction sent to the
// completion backend for a medical translation.
package prompt

import (
	"bytes"
	"fmt"
	"text/template"
)

// System instructs the model to anonymize and clean the transcript.
const System = "You are a medical transcription assistant. Your job is to replace any names of patients, names of doctors, or names of addresses with anonymized placeholders like [The patient], [The doctor], or [The address], improve medical terminology where appropriate, and return only the cleaned and anonymized transcript. If a speaker says 'My name is…' or 'I’m Doctor…', replace the name with the appropriate placeholder."

const userTemplate = `Translate the following medical-related text from """{{.SourceLang}}""" to """{{.TargetLang}}""":
"""
{{.Text}}
"""`

var user = template.Must(template.New("user").Parse(userTemplate))

// Data is substituted into the user message. Values are expected to be
// sanitized already.
type Data struct {
	Text       string
	SourceLang string
	TargetLang string
}

// Messages is the rendered system/user pair.
type Messages struct {
	System string
	User   string
}

// Build renders the prompt for d.
func Build(d Data) (Messages, error) {
	var buf bytes.Buffer
	if err := user.Execute(&buf, d); err != nil {
		return Messages{}, fmt.Errorf("render user prompt: %w", err)
	}
	return Messages{System: System, User: buf.String()}, nil
}
