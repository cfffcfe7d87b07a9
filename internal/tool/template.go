package tool

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Placeholders substituted in template arguments.
const (
	PlaceholderFile         = "{file}"
	PlaceholderSubmitter    = "{submitter}"
	PlaceholderSubmissionID = "{submission_id}"

	// LegacyFileToken is the staged file marker of older SUBMIT_COMMAND
	// values. It is honoured only when the line has no {file} placeholder.
	LegacyFileToken = "FILE"
)

// Template describes how the import tool is invoked.
type Template struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Environment map[string]string `yaml:"env"`
}

// Invocation carries the values of one tool run.
type Invocation struct {
	SubmissionID string
	File         string
	Submitter    string
	ProposalCode *string
}

// ParseCommand builds a template from a space separated command line such as
// SUBMIT_COMMAND. Without a {file} placeholder, every FILE in the arguments
// stands for the staged file.
func ParseCommand(line string) (Template, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Template{}, errors.New("empty tool command")
	}
	args := fields[1:]
	if !strings.Contains(line, PlaceholderFile) {
		for i, a := range args {
			args[i] = strings.ReplaceAll(a, LegacyFileToken, PlaceholderFile)
		}
	}
	return Template{Command: fields[0], Args: args}, nil
}

// LoadTemplate reads a YAML tool description:
//
//	command: java
//	args: ["-jar", "importer.jar", "-file", "{file}", "-convert"]
//	env:
//	  IMPORTER_MODE: production
func LoadTemplate(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read tool config: %w", err)
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Template{}, fmt.Errorf("parse tool config: %w", err)
	}
	if strings.TrimSpace(t.Command) == "" {
		return Template{}, fmt.Errorf("tool config %s: command is required", path)
	}
	return t, nil
}

// Build returns the argument list for inv. The proposal code flag pair goes
// immediately before the final template argument.
func (t Template) Build(inv Invocation) []string {
	replacer := strings.NewReplacer(
		PlaceholderFile, inv.File,
		PlaceholderSubmitter, inv.Submitter,
		PlaceholderSubmissionID, inv.SubmissionID,
	)
	args := make([]string, 0, len(t.Args)+2)
	for _, a := range t.Args {
		args = append(args, replacer.Replace(a))
	}
	if inv.ProposalCode == nil {
		return args
	}
	flag := []string{"-proposalCode", *inv.ProposalCode}
	if len(args) == 0 {
		return flag
	}
	last := args[len(args)-1]
	return append(append(args[:len(args)-1], flag...), last)
}

// Env renders the extra environment as KEY=VALUE pairs.
func (t Template) Env() []string {
	out := make([]string, 0, len(t.Environment))
	for k, v := range t.Environment {
		out = append(out, k+"="+v)
	}
	return out
}
