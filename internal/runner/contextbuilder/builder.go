// Package contextbuilder assembles the per-step LLM input: a stable system
// context (agent identity plus tool reference) and a task context carrying
// mailbox entries, memory, prior artifacts, and the output template.
package contextbuilder

import (
	"fmt"
	"strings"

	"github.com/crypton-sys/crypton/internal/runner/artifacts"
	"github.com/crypton-sys/crypton/internal/runner/domain"
	"github.com/crypton-sys/crypton/internal/runner/mailbox"
	"github.com/crypton-sys/crypton/internal/runner/tools"
	"github.com/rs/zerolog"
)

// beginMarker closes every task context. The model is told to produce the
// artifact, not to narrate its plan.
const beginMarker = "BEGIN. Produce the required output now. Do not describe what you are about to do."

// recentEvaluations bounds how many past evaluation artifacts flow into a
// step's context.
const recentEvaluations = 3

// identities are the per-agent system prompts. Content is deliberately
// short; the artifact templates do the heavy lifting.
var identities = map[domain.Agent]string{
	domain.AgentEvaluator:   "You are the Evaluator of an autonomous crypto portfolio system. You review the previous cycle's strategy against what the market did and write a frank evaluation.",
	domain.AgentPlanner:     "You are the Planner of an autonomous crypto portfolio system. You set the research agenda for this cycle: which assets, which questions, which risks.",
	domain.AgentResearcher:  "You are the Researcher of an autonomous crypto portfolio system. You gather market context for the plan's questions using the available tools.",
	domain.AgentAnalyst:     "You are the Analyst of an autonomous crypto portfolio system. You turn raw research into concrete directional views with entry, exit and invalidation levels.",
	domain.AgentSynthesizer: "You are the Synthesizer of an autonomous crypto portfolio system. You turn the analysis into a single valid strategy.json document.",
}

// templates describe the artifact each step must emit.
var templates = map[domain.Agent]string{
	domain.AgentEvaluator:   "Write evaluation.md: ## Outcome, ## What Worked, ## What Failed, ## Lessons. End with one <broadcast>...</broadcast> block summarizing the key lesson for all agents.",
	domain.AgentPlanner:     "Write plan.md: ## Focus Assets, ## Research Questions, ## Risk Watchlist. End with one <mailbox_to_researcher>...</mailbox_to_researcher> block.",
	domain.AgentResearcher:  "Write research.md: one ## section per research question with findings and sources. End with <mailbox_to_analyst>...</mailbox_to_analyst> and <feedback>...</feedback> (to the planner) blocks.",
	domain.AgentAnalyst:     "Write analysis.md: ## Market View, ## Trade Ideas (entries, exits, invalidation per asset), ## Risk Assessment. End with <mailbox_to_synthesizer>...</mailbox_to_synthesizer> and <feedback>...</feedback> blocks.",
	domain.AgentSynthesizer: "Write strategy.json only: a single JSON document with mode, validity_window, posture, posture_rationale, portfolio_risk, positions and strategy_rationale. No prose outside the JSON. Then <mailbox_to_evaluator>...</mailbox_to_evaluator> and <feedback>...</feedback> blocks.",
}

// Builder assembles step contexts from runner state.
type Builder struct {
	store     *artifacts.Store
	mailboxes *mailbox.Store
	registry  *tools.Registry
	log       zerolog.Logger
}

// New creates a context builder.
func New(store *artifacts.Store, mailboxes *mailbox.Store, registry *tools.Registry, log zerolog.Logger) *Builder {
	return &Builder{
		store:     store,
		mailboxes: mailboxes,
		registry:  registry,
		log:       log.With().Str("component", "context_builder").Logger(),
	}
}

// System returns the stable system context for a step's agent: identity plus
// the tool call protocol and tool reference.
func (b *Builder) System(step domain.State) (string, error) {
	agent, ok := domain.AgentForState[step]
	if !ok {
		return "", fmt.Errorf("state %s has no agent", step)
	}

	var sb strings.Builder
	sb.WriteString(identities[agent])
	sb.WriteString("\n\n## Tool Protocol\n")
	sb.WriteString("Call a tool by emitting exactly: <tool_call>TOOL_NAME {\"arg\": \"value\"}</tool_call>\n")
	sb.WriteString("Each tool result arrives as a user message. When you have everything you need, emit the final output with no tool calls.\n")
	sb.WriteString("\n## Available Tools\n")
	for _, info := range b.registry.List() {
		fmt.Fprintf(&sb, "- %s: %s\n", info.Name, info.Description)
		if len(info.Schema) > 0 {
			fmt.Fprintf(&sb, "  arguments schema: %s\n", compactJSON(info.Schema))
		}
	}
	return sb.String(), nil
}

// Task returns the per-invocation task context for a step within a cycle.
func (b *Builder) Task(step domain.State, cycleID string) (string, error) {
	agent, ok := domain.AgentForState[step]
	if !ok {
		return "", fmt.Errorf("state %s has no agent", step)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Cycle %s — %s step\n", cycleID, step)

	b.writeMailbox(&sb, agent)
	b.writeMemory(&sb, agent)
	b.writeRecentEvaluations(&sb, step)

	for _, name := range domain.InputArtifactsForState[step] {
		content, err := b.store.Read(cycleID, name)
		if err != nil {
			return "", fmt.Errorf("required input artifact %s missing for %s: %w", name, step, err)
		}
		fmt.Fprintf(&sb, "\n## Input: %s\n%s\n", name, content)
	}

	fmt.Fprintf(&sb, "\n## Required Output: %s\n%s\n", domain.ArtifactForState[step], templates[agent])
	sb.WriteString("\n")
	sb.WriteString(beginMarker)
	sb.WriteString("\n")
	return sb.String(), nil
}

func (b *Builder) writeMailbox(sb *strings.Builder, agent domain.Agent) {
	msgs := b.mailboxes.Snapshot(agent)
	if len(msgs) == 0 {
		return
	}
	sb.WriteString("\n## Mailbox\n")
	for _, msg := range msgs {
		fmt.Fprintf(sb, "- [%s from %s at %s] %s\n",
			msg.Kind, msg.From, msg.Timestamp.UTC().Format("2006-01-02 15:04"), msg.Content)
	}
}

func (b *Builder) writeMemory(sb *strings.Builder, agent domain.Agent) {
	memory, err := b.store.ReadMemory(agent)
	if err != nil {
		b.log.Warn().Err(err).Str("agent", string(agent)).Msg("Failed to read agent memory")
	} else if memory != "" {
		fmt.Fprintf(sb, "\n## Your Memory\n%s\n", memory)
	}

	shared, err := b.store.ReadSharedMemory()
	if err != nil {
		b.log.Warn().Err(err).Msg("Failed to read shared memory")
	} else if shared != "" {
		fmt.Fprintf(sb, "\n## Shared Memory\n%s\n", shared)
	}
}

// writeRecentEvaluations folds prior evaluation artifacts into the context.
func (b *Builder) writeRecentEvaluations(sb *strings.Builder, step domain.State) {
	// The Evaluator gets the full prior strategy instead, via its own
	// section below; recent evaluations would just echo its own output.
	if step == domain.StateEvaluate {
		b.writeLatestStrategy(sb)
		return
	}
	ids := b.store.ListCycles()
	written := 0
	for i := len(ids) - 1; i >= 0 && written < recentEvaluations; i-- {
		if !b.store.Exists(ids[i], domain.ArtifactEvaluation) {
			continue
		}
		content, err := b.store.Read(ids[i], domain.ArtifactEvaluation)
		if err != nil {
			continue
		}
		if written == 0 {
			sb.WriteString("\n## Recent Evaluations\n")
		}
		fmt.Fprintf(sb, "### Cycle %s\n%s\n", ids[i], content)
		written++
	}
}

// writeLatestStrategy gives the Evaluator the strategy it is judging.
func (b *Builder) writeLatestStrategy(sb *strings.Builder) {
	cycleID, content, err := b.store.Latest(domain.ArtifactStrategy)
	if err != nil {
		return
	}
	fmt.Fprintf(sb, "\n## Strategy Under Evaluation (cycle %s)\n%s\n", cycleID, content)
}

func compactJSON(raw []byte) string {
	return strings.Join(strings.Fields(string(raw)), " ")
}
