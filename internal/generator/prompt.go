package generator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kayz/specforge/internal/pipeline"
)

const systemPrompt = `You design agent specifications: data models, enums, actions and schedules.
Reply with a single JSON object and nothing else. Do not wrap it in markdown.
Keep the ids of existing entities unchanged when you return them.`

type section struct {
	title   string
	content string
}

func appendSection(list []section, title, content string) []section {
	if strings.TrimSpace(content) == "" {
		return list
	}
	return append(list, section{title: title, content: strings.TrimSpace(content)})
}

func renderSections(sections []section) string {
	var out strings.Builder
	for i, s := range sections {
		if i > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString("### ")
		out.WriteString(s.title)
		out.WriteString("\n\n")
		out.WriteString(s.content)
	}
	return out.String()
}

// buildPrompt renders the user prompt for one phase.
func buildPrompt(req pipeline.Request) string {
	var sections []section
	sections = appendSection(sections, "Task", phaseTask(req.Phase, req.Operation))
	sections = appendSection(sections, "Request", req.Command)
	if req.Existing != nil && req.Existing.HasContent() {
		sections = appendSection(sections, "Current Document", marshalIndent(req.Existing))
	}
	sections = appendSection(sections, "Earlier Results", renderContext(req.Context))
	if req.Target != nil {
		sections = appendSection(sections, "Action", marshalIndent(req.Target))
	}
	sections = appendSection(sections, "Format", phaseFormat[req.Phase])
	return renderSections(sections)
}

func renderContext(ctx map[pipeline.Phase]json.RawMessage) string {
	var blocks []string
	for _, p := range pipeline.Phases {
		raw, ok := ctx[p]
		if !ok || len(raw) == 0 {
			continue
		}
		blocks = append(blocks, fmt.Sprintf("[%s]\n%s\n[/%s]", p, strings.TrimSpace(string(raw)), p))
	}
	return strings.Join(blocks, "\n\n")
}

func marshalIndent(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

func phaseTask(p pipeline.Phase, op pipeline.Operation) string {
	var verb string
	switch op {
	case pipeline.OpUpdate:
		verb = "Update the current document as requested. Return complete entities for everything you keep or change."
	case pipeline.OpExtend:
		verb = "Extend the current document as requested. Return only new or changed entities."
	default:
		verb = "Design a new agent from the request."
	}
	switch p {
	case pipeline.PhaseUnderstanding:
		return "Summarize what the user wants to build: a short name, a description, the business domain and the main goals."
	case pipeline.PhaseDecision:
		return "Decide whether the request needs a full system (models, actions and schedules) or a focused change."
	case pipeline.PhaseChangeAnalysis:
		return "Compare the request with the current document. List the models, actions and schedules to add, and the entities or fields to delete."
	case pipeline.PhaseOverview:
		return verb + " Outline the models, actions and schedules of the system."
	case pipeline.PhaseDatabase:
		return verb + " Produce the data models and enums. Relation fields end in Id or Ids and reference another model."
	case pipeline.PhaseExampleRecords:
		return "Produce a few realistic example records for each model."
	case pipeline.PhaseActions:
		return verb + " Produce the actions users or admins can run against the models."
	case pipeline.PhaseExecutionDetail:
		return "Describe how the action executes: where its data comes from, what runs, and which fields it returns."
	case pipeline.PhaseSchedules:
		return verb + " Produce recurring schedules. Patterns are five-field cron expressions with an IANA timezone."
	}
	return verb
}

var phaseFormat = map[pipeline.Phase]string{
	pipeline.PhaseUnderstanding:   `{"name": string, "description": string, "domain": string, "goals": [string]}`,
	pipeline.PhaseDecision:        `{"fullSystem": bool, "reason": string}`,
	pipeline.PhaseChangeAnalysis:  `{"summary": string, "newModels": [string], "newActions": [string], "newSchedules": [string], "deletions": {"modelsToDelete": [string], "enumsToDelete": [string], "actionsToDelete": [string], "schedulesToDelete": [string], "fieldDeletions": {"<model or action>": [string]}}}`,
	pipeline.PhaseOverview:        `{"summary": string, "models": [string], "actions": [string], "schedules": [string]}`,
	pipeline.PhaseDatabase:        `{"models": [{"id": string, "name": string, "description": string, "displayFields": [string], "fields": [{"id": string, "name": string, "type": string, "required": bool, "unique": bool, "list": bool, "relationField": bool, "defaultValue": any}]}], "enums": [{"id": string, "name": string, "fields": [{"id": string, "name": string, "type": string}]}]}`,
	pipeline.PhaseExampleRecords:  `{"records": {"<model name>": [{"<field>": any}]}}`,
	pipeline.PhaseActions:         `{"actions": [{"id": string, "name": string, "description": string, "type": "Create|Update", "role": "admin|member"}]}`,
	pipeline.PhaseExecutionDetail: `{"dataSource": {"type": "custom|database", "database": {"models": [{"model": string, "fields": [string], "filter": string, "limit": int}]}}, "execute": {"type": "prompt|code", "prompt": {"template": string}, "code": {"script": string}}, "results": {"model": string, "fields": {"<target field>": string}}}`,
	pipeline.PhaseSchedules:       `{"schedules": [{"id": string, "name": string, "description": string, "type": "Create|Update", "role": "admin|member", "interval": {"pattern": string, "timezone": string, "active": bool}}]}`,
}
