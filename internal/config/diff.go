package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
//
// Agent, Turn, Pipeline and Vision changes apply to sessions started after
// the reload; running sessions keep their settings. Changes listed in
// RestartRequired take effect only after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	InstructionsChanged bool
	VoiceChanged        bool
	AgentChanged        bool // any agent field, including the two above
	TurnChanged         bool
	PipelineChanged     bool
	VisionChanged       bool
	MemoryTuningChanged bool // load_last_n, commit_queue

	// RestartRequired names the sections whose changes were not applied.
	RestartRequired []string
}

// SessionTemplateChanged reports whether new sessions should pick up a new
// template.
func (d ConfigDiff) SessionTemplateChanged() bool {
	return d.AgentChanged || d.TurnChanged || d.PipelineChanged || d.VisionChanged || d.MemoryTuningChanged
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionTemplateChanged() && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.InstructionsChanged = old.Agent.Instructions != new.Agent.Instructions
	d.VoiceChanged = old.Agent.Voice != new.Agent.Voice
	d.AgentChanged = !reflect.DeepEqual(old.Agent, new.Agent)
	d.TurnChanged = old.Turn != new.Turn
	d.PipelineChanged = old.Pipeline != new.Pipeline
	d.VisionChanged = old.Vision != new.Vision

	om, nm := old.Memory, new.Memory
	d.MemoryTuningChanged = om.LoadLastN != nm.LoadLastN || om.CommitQueue != nm.CommitQueue

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if om.Enabled() != nm.Enabled() || om.PostgresDSN != nm.PostgresDSN ||
		om.EmbeddingDimensions != nm.EmbeddingDimensions || om.ExtractConcepts != nm.ExtractConcepts ||
		om.MinScore != nm.MinScore || om.CommitTimeout != nm.CommitTimeout ||
		om.FetchTimeout != nm.FetchTimeout || om.MaxResults != nm.MaxResults ||
		om.KnowledgeResults != nm.KnowledgeResults {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	slices.Sort(d.RestartRequired)
	return d
}
