package merge

import "github.com/kayz/specforge/internal/agentdoc"

// MergeActions merges actions by id only.
func MergeActions(existing, incoming []agentdoc.Action) []agentdoc.Action {
	return mergeCollection(existing, incoming, actionFinder, mergeAction, agentdoc.Action.Clone)
}

// MergeSchedules merges schedules by id only.
func MergeSchedules(existing, incoming []agentdoc.Schedule) []agentdoc.Schedule {
	return mergeCollection(existing, incoming, scheduleFinder, mergeSchedule, agentdoc.Schedule.Clone)
}

// mergeAction takes top-level scalars from incoming when set and merges the
// dataSource, execute and results sub-objects key by key.
func mergeAction(existing, incoming agentdoc.Action) agentdoc.Action {
	out := existing.Clone()
	out.ID = keepID(existing.ID, incoming.ID)
	out.Name = pick(incoming.Name, existing.Name)
	out.Description = pick(incoming.Description, existing.Description)
	if incoming.Type != "" {
		out.Type = incoming.Type
	}
	if incoming.Role != "" {
		out.Role = incoming.Role
	}
	out.DataSource = mergeDataSource(existing.DataSource, incoming.DataSource)
	out.Execute = mergeExecute(existing.Execute, incoming.Execute)
	out.Results = mergeResults(existing.Results, incoming.Results)
	return out
}

func mergeSchedule(existing, incoming agentdoc.Schedule) agentdoc.Schedule {
	out := existing.Clone()
	out.Action = mergeAction(existing.Action, incoming.Action)
	if incoming.Interval != (agentdoc.Interval{}) {
		out.Interval = agentdoc.Interval{
			Pattern:  pick(incoming.Interval.Pattern, existing.Interval.Pattern),
			Timezone: pick(incoming.Interval.Timezone, existing.Interval.Timezone),
			Active:   incoming.Interval.Active,
		}
	}
	return out
}

func mergeDataSource(existing, incoming agentdoc.DataSource) agentdoc.DataSource {
	out := existing.Clone()
	out.Type = pick(incoming.Type, existing.Type)
	out.CustomFunction = mergeCode(existing.CustomFunction, incoming.CustomFunction)
	if incoming.Database != nil {
		if existing.Database == nil || len(incoming.Database.Models) > 0 {
			out.Database = incoming.Clone().Database
		}
	}
	return out
}

func mergeExecute(existing, incoming agentdoc.Execute) agentdoc.Execute {
	out := existing.Clone()
	out.Type = pick(incoming.Type, existing.Type)
	out.Code = mergeCode(existing.Code, incoming.Code)
	if incoming.Prompt != nil {
		p := agentdoc.Prompt{}
		if existing.Prompt != nil {
			p = *existing.Prompt
		}
		p.Template = pick(incoming.Prompt.Template, p.Template)
		p.Model = pick(incoming.Prompt.Model, p.Model)
		if incoming.Prompt.Temperature != 0 {
			p.Temperature = incoming.Prompt.Temperature
		}
		out.Prompt = &p
	}
	return out
}

func mergeCode(existing, incoming *agentdoc.Code) *agentdoc.Code {
	if incoming == nil {
		if existing == nil {
			return nil
		}
		c := *existing
		c.Dependencies = pickStrings(nil, existing.Dependencies)
		return &c
	}
	c := agentdoc.Code{}
	if existing != nil {
		c = *existing
	}
	c.Script = pick(incoming.Script, c.Script)
	c.Dependencies = pickStrings(incoming.Dependencies, c.Dependencies)
	return &c
}

func mergeResults(existing, incoming agentdoc.Results) agentdoc.Results {
	out := existing.Clone()
	out.Model = pick(incoming.Model, existing.Model)
	if len(incoming.Fields) > 0 {
		if out.Fields == nil {
			out.Fields = make(map[string]string, len(incoming.Fields))
		}
		for k, v := range incoming.Fields {
			out.Fields[k] = v
		}
	}
	return out
}
