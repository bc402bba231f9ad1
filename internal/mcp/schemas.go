package mcp

// ToolSchemas lists every tool the stdio surface advertises. Names match
// the RPC endpoints one to one; the entity token is not part of any schema
// because the transport injects it.
func ToolSchemas() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "ambient_recall",
			Description: "Assemble layered memory context for the current conversational moment: graph texture, word photos, tech docs, and summaries, banded by layer and trimmed to the context budget",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"context": map[string]interface{}{
						"type":        "string",
						"description": "Current conversational context to recall against; empty means session startup",
					},
					"channel": map[string]interface{}{
						"type":        "string",
						"description": "Channel the conversation is happening in",
					},
					"limit_per_layer": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum items per memory layer",
						"default":     5,
					},
				},
			},
		},
		{
			Name:        "store_message",
			Description: "Persist one conversational turn to the raw ledger. Duplicate external ids fold silently",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"content": map[string]interface{}{
						"type":        "string",
						"description": "Turn text",
					},
					"author_name": map[string]interface{}{
						"type":        "string",
						"description": "Who spoke",
					},
					"channel": map[string]interface{}{
						"type":        "string",
						"description": "Where it was said",
					},
					"is_own_utterance": map[string]interface{}{
						"type":        "boolean",
						"description": "True when the entity itself spoke",
					},
					"session_id": map[string]interface{}{
						"type":        "string",
						"description": "Session the turn belongs to",
					},
					"external_id": map[string]interface{}{
						"type":        "string",
						"description": "Upstream message id used for deduplication",
					},
				},
				"required": []string{"content"},
			},
		},
		{
			Name:        "summarize_messages",
			Description: "Fetch the oldest unsummarized turns for review. Read-only; store_summary records the result",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum turns to return",
						"default":     50,
					},
				},
			},
		},
		{
			Name:        "store_summary",
			Description: "Record a summary covering a contiguous turn range and stamp the covered turns",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"summary_text": map[string]interface{}{
						"type":        "string",
						"description": "The summary",
					},
					"start_id": map[string]interface{}{
						"type":        "integer",
						"description": "First turn id covered",
					},
					"end_id": map[string]interface{}{
						"type":        "integer",
						"description": "Last turn id covered",
					},
					"channels": map[string]interface{}{
						"type":        "array",
						"items":       map[string]string{"type": "string"},
						"description": "Channels the range spans",
					},
					"summary_type": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"work", "social", "technical", "mixed"},
						"description": "Classification of the range",
						"default":     "mixed",
					},
				},
				"required": []string{"summary_text", "start_id", "end_id"},
			},
		},
		{
			Name:        "get_crystals",
			Description: "Read the newest identity crystal files, full content, highest number first",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"count": map[string]interface{}{
						"type":        "integer",
						"description": "How many crystals to return",
						"default":     3,
					},
				},
			},
		},
		{
			Name:        "get_turns_since",
			Description: "Return raw turns created after a timestamp, oldest first, optionally with the summaries covering them",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"timestamp": map[string]interface{}{
						"type":        "string",
						"description": "RFC3339 cutoff",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum turns to return",
						"default":     100,
					},
					"include_summaries": map[string]interface{}{
						"type":        "boolean",
						"description": "Also return summaries whose range touches the returned turns",
					},
				},
				"required": []string{"timestamp"},
			},
		},
		{
			Name:        "get_turns_since_summary",
			Description: "Page through turns newer than the last summary. Returns nothing while fewer than min_turns are waiting",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Page size",
						"default":     50,
					},
					"offset": map[string]interface{}{
						"type":        "integer",
						"description": "Page offset",
						"default":     0,
					},
					"min_turns": map[string]interface{}{
						"type":        "integer",
						"description": "Minimum backlog before any turns are returned",
					},
				},
			},
		},
		{
			Name:        "graphiti_ingestion_stats",
			Description: "Counters for the knowledge-graph ingestion pipeline: total turns, uningested backlog, batches by status, last batch time",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "ingest_batch_to_graphiti",
			Description: "Run one graph ingestion batch immediately instead of waiting for the scheduler tick",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"batch_size": map[string]interface{}{
						"type":        "integer",
						"description": "Turns to claim; 0 takes the configured batch size",
					},
				},
			},
		},
		{
			Name:        "delete_edge",
			Description: "Remove one relation edge from the knowledge graph along with its fact vector",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"uuid": map[string]interface{}{
						"type":        "string",
						"description": "Edge uuid as returned by texture_search",
					},
				},
				"required": []string{"uuid"},
			},
		},
		{
			Name:        "texture_search",
			Description: "Search the knowledge graph texture: semantic fact matching blended with graph proximity from the entity",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "What to look for",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum edges to return",
						"default":     25,
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "agent_context",
			Description: "Snapshot for an arriving coding agent: entity name, wall clock, project lock state, memory backlogs, channels active in the last day",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "friction_search",
			Description: "Keyword search over recorded frictions with a minimum severity floor",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "What to look for",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum entries to return",
						"default":     5,
					},
					"min_severity": map[string]interface{}{
						"type":        "integer",
						"description": "Lowest severity to include, 1-10",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "pps_health",
			Description: "Layer-by-layer health from the last probe sweep plus backlog counts",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "session_start",
			Description: "Open a work session and get its id for tagging stored turns",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"cwd": map[string]interface{}{
						"type":        "string",
						"description": "Working directory of the session",
					},
					"metadata": map[string]interface{}{
						"type":        "object",
						"description": "Arbitrary session metadata, stored as-is",
					},
				},
			},
		},
		{
			Name:        "session_end",
			Description: "Close a work session",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"session_id": map[string]interface{}{
						"type":        "string",
						"description": "Session to close",
					},
				},
				"required": []string{"session_id"},
			},
		},
		{
			Name:        "project_lock_status",
			Description: "Report whether the project lock is held, by whom, and why",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "acquire_project_lock",
			Description: "Take the project lock. A lock held by someone else answers acquired=false with the holder, not an error",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"holder": map[string]interface{}{
						"type":        "string",
						"description": "Who is taking the lock",
						"default":     "agent",
					},
					"context": map[string]interface{}{
						"type":        "string",
						"description": "What the lock is for",
					},
				},
			},
		},
		{
			Name:        "release_project_lock",
			Description: "Release the project lock held by this holder. Expired locks are cleaned regardless of holder",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"holder": map[string]interface{}{
						"type":        "string",
						"description": "Who is releasing",
						"default":     "agent",
					},
				},
			},
		},
		{
			Name:        "index_document",
			Description: "Ingest one markdown document into a named document store; unchanged content is a no-op",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Path to the document",
					},
					"store": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"word_photos", "tech_docs", "crystals", "frictions"},
						"description": "Which document store receives it",
					},
					"category": map[string]interface{}{
						"type":        "string",
						"description": "Optional category recorded on the chunks",
					},
				},
				"required": []string{"path", "store"},
			},
		},
	}
}

// ToolNames returns the advertised tool names in schema order.
func ToolNames() []string {
	schemas := ToolSchemas()
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		names = append(names, s.Name)
	}
	return names
}
