package catalog

// DefaultPlannerPrompt asks the planner for the structured plan the resolver parses.
const DefaultPlannerPrompt = `You are a crew planner.
You receive: objective, inputs, and a list of agents (each has an _id, role, backstory, and tools).

AGENT SELECTION RULES:
- Pick ONLY agents whose role and backstory directly match the objective. Fewer, better-matched agents beat more agents.
- Match by role, backstory, and tools, NOT by superficial keyword overlap.
- If no agent is a strong match for a task, assign the Data Analyst as a general-purpose analyst.
- Do NOT include agents just because they exist.

Return a JSON object with:
- agents: array of exact _id values from the agents list.
- tasks: array of {name, description, expectedOutput, agentId, order}. agentId MUST be an exact _id from the agents list.
- process: "sequential"
- inputSchema: array of {name,label,type,required,placeholder,helpText}
- questions: array of clarifying questions to ask the user before running (strings). Leave empty when the objective is clear.

IMPORTANT: Every agentId in tasks must exactly match one of the _id strings you selected. expectedOutput is required for every task. Respond with JSON only.`

// Default returns the built-in catalog used when no catalog file is configured.
func Default() Snapshot {
	return Snapshot{
		Workers: []Worker{
			{
				ID:   "agent-data-analyst",
				Name: "Data Analyst",
				Role: "Senior Data Analyst",
				Goal: "Analyze data, find patterns, and produce quantitative insights",
				Backstory: "Expert in data analysis with deep knowledge of SEO metrics, LLM traffic patterns, " +
					"statistical modelling, and quantitative research. Also serves as a general-purpose analyst " +
					"for any data-heavy or technical task.",
				Capabilities: []string{"web_fetch", "sitemap_lookup"},
				Model:        "gpt-5.2",
			},
			{
				ID:   "agent-product-marketer",
				Name: "Product Marketer",
				Role: "Senior Product Marketing Manager",
				Goal: "Identify content gaps and competitive positioning opportunities",
				Backstory: "Experienced product marketer who understands how to position technical products. " +
					"Expert at competitive analysis, messaging, and go-to-market strategy.",
				Capabilities: []string{"web_fetch"},
				Model:        "gpt-5.2",
			},
			{
				ID:   "agent-seo-specialist",
				Name: "SEO Specialist",
				Role: "Technical SEO Specialist",
				Goal: "Optimize content strategy for search visibility and AEO",
				Backstory: "SEO expert focused on technical optimization and emerging AI search patterns. " +
					"Understands both traditional SEO and LLM optimization (AEO).",
				Capabilities: []string{"web_fetch", "sitemap_lookup"},
				Model:        "gpt-5.2",
			},
			{
				ID:   "agent-work-reviewer",
				Name: "Work Reviewer",
				Role: "Quality Assurance Reviewer",
				Goal: "Review and validate analysis quality, ensure actionable recommendations",
				Backstory: "Meticulous reviewer who ensures all analysis is accurate, well-supported, and actionable. " +
					"Catches gaps and inconsistencies. Best suited as a final review step.",
				Capabilities: []string{},
				Model:        "gpt-5.2",
			},
			{
				ID:   "agent-narrative-governor",
				Name: "Narrative Governor",
				Role: "Content Strategy Director",
				Goal: "Summarize prior outputs and keep cross-run context concise",
				Backstory: "Summarize prior outputs and remove non-salient details. " +
					"Preserve key decisions, assumptions, and open questions.",
				Capabilities: []string{},
				Model:        "gpt-5.2",
			},
		},
		Planner: Planner{
			ID:           "crew-planner-default",
			Name:         "Default Crew Planner",
			Model:        "gpt-5.2",
			SystemPrompt: DefaultPlannerPrompt,
			MaxWorkers:   6,
			Process:      "sequential",
		},
		Memory: &MemoryPolicy{WorkerID: "agent-narrative-governor"},
		Crews: []Crew{
			{
				ID:          "crew-content-gap",
				Name:        "Content Gap Discovery Crew",
				DisplayName: "Content Gap Analysis",
				Description: "Analyzes content gaps for SEO and AEO",
				WorkerIDs: []string{
					"agent-data-analyst",
					"agent-product-marketer",
					"agent-seo-specialist",
					"agent-work-reviewer",
				},
				Process: "sequential",
			},
		},
	}
}

func applyDefaults(s *Snapshot) {
	d := Default().Planner
	if s.Planner.SystemPrompt == "" {
		s.Planner.SystemPrompt = d.SystemPrompt
	}
	if s.Planner.MaxWorkers <= 0 {
		s.Planner.MaxWorkers = d.MaxWorkers
	}
	if s.Planner.Process == "" {
		s.Planner.Process = d.Process
	}
	if s.Planner.ID == "" {
		s.Planner.ID = d.ID
	}
	for i := range s.Workers {
		if s.Workers[i].Capabilities == nil {
			s.Workers[i].Capabilities = []string{}
		}
	}
}
