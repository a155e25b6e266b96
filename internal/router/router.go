// Package router hosts the root assistant: a Genkit model wired with the
// specialist tools, plus the live session runtime that feeds the turn
// pipeline.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/basket/helpline/internal/config"
	"github.com/basket/helpline/internal/ledger"
	"github.com/basket/helpline/internal/safety"
	"github.com/basket/helpline/internal/shared"
	"github.com/basket/helpline/internal/tools"
	"github.com/basket/helpline/internal/turn"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// historyWindow caps how many prior turns are replayed to the model.
const historyWindow = 20

// Deps are the tool backends the router exposes to the model.
type Deps struct {
	DocSearch *tools.DocSearch
	Mailer    *tools.Mailer
	Ticketer  *tools.Ticketer
	Recall    *tools.Recall
	Store     *ledger.Store
}

// blockedReply is returned verbatim when the sanitizer rejects an input;
// the turn still commits so the exchange is on the record.
const blockedReply = "I can't help with that request. If you have a workplace question, please ask it directly."

// Router answers user turns with the configured model and tools.
type Router struct {
	g         *genkit.Genkit
	llmOn     bool
	model     string
	logger    *slog.Logger
	deps      Deps
	tools     []ai.ToolRef
	sanitizer *safety.Sanitizer
	leaks     *safety.LeakDetector

	mu          sync.RWMutex
	instruction string
	agents      []config.AgentConfigEntry
}

func New(ctx context.Context, cfg config.Config, deps Deps, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	apiKey := cfg.LLMAPIKey()
	model := cfg.LLM.Model

	var g *genkit.Genkit
	llmOn := false
	if apiKey != "" {
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+model),
		)
		llmOn = true
		logger.Info("router initialized", "provider", "google", "model", "googleai/"+model)
	} else {
		g = genkit.Init(ctx)
		logger.Warn("Gemini API key missing; using deterministic fallback")
	}

	r := &Router{
		g:           g,
		llmOn:       llmOn,
		model:       model,
		logger:      logger,
		deps:        deps,
		sanitizer:   safety.NewSanitizer(),
		leaks:       safety.NewLeakDetector(),
		instruction: cfg.RootInstruction,
		agents:      cfg.Agents,
	}
	r.tools = r.defineTools()
	logger.Info("router tools registered", "tools", len(r.tools))
	return r
}

// SetInstruction swaps the root instruction after a hot reload.
func (r *Router) SetInstruction(instruction string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instruction = instruction
}

// SetAgents swaps the specialist roster after a hot reload.
func (r *Router) SetAgents(agents []config.AgentConfigEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = agents
}

// systemPrompt is the root instruction plus the specialist roster, so the
// model knows which tool serves which kind of request.
func (r *Router) systemPrompt() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	instruction := strings.TrimSpace(r.instruction)
	if instruction == "" {
		instruction = "You are an internal employee helpline assistant. Route each request to the matching specialist capability and answer concisely. If no capability fits, say what you can help with."
	}
	b.WriteString(instruction)

	if len(r.agents) > 0 {
		b.WriteString("\n\nSpecialist capabilities:\n")
		for _, a := range r.agents {
			fmt.Fprintf(&b, "- %s: %s\n", a.Name, a.Description)
			if instr := strings.TrimSpace(a.Instruction); instr != "" {
				fmt.Fprintf(&b, "  Guidance: %s\n", instr)
			}
		}
	}
	return b.String()
}

// Respond generates a complete reply for one user turn.
func (r *Router) Respond(ctx context.Context, key turn.Key, content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", fmt.Errorf("empty content")
	}

	if check := r.sanitizer.Check(trimmed); check.Action != safety.ActionAllow {
		r.logger.Warn("sanitizer flagged input", "reason", check.Reason, "session_id", key.SessionID)
		if check.Action == safety.ActionBlock {
			return blockedReply, nil
		}
	}

	if !r.llmOn {
		return r.fallbackReply(trimmed), nil
	}

	opts := r.generateOptions(ctx, key, trimmed)
	resp, err := genkit.Generate(ctx, r.g, opts...)
	if err != nil {
		r.logger.Error("generate failed", "error", err, "session_id", key.SessionID)
		return "", fmt.Errorf("generate: %w", err)
	}
	reply := resp.Text()
	r.scanReply(key, reply)
	return reply, nil
}

// Stream generates a reply, invoking onChunk for each text fragment.
func (r *Router) Stream(ctx context.Context, key turn.Key, content string, onChunk func(chunk string) error) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return fmt.Errorf("empty content")
	}

	if check := r.sanitizer.Check(trimmed); check.Action != safety.ActionAllow {
		r.logger.Warn("sanitizer flagged input", "reason", check.Reason, "session_id", key.SessionID)
		if check.Action == safety.ActionBlock {
			return onChunk(blockedReply)
		}
	}

	if !r.llmOn {
		return onChunk(r.fallbackReply(trimmed))
	}

	opts := r.generateOptions(ctx, key, trimmed)
	stream := genkit.GenerateStream(ctx, r.g, opts...)

	var full strings.Builder
	var doneReply string
	for streamVal, err := range stream {
		if err != nil {
			return fmt.Errorf("stream: %w", err)
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if err := onChunk(part.Text); err != nil {
						return err
					}
					full.WriteString(part.Text)
				}
			}
		}
		if streamVal.Done && streamVal.Response != nil {
			doneReply = streamVal.Response.Text()
		}
	}

	// Some tool-call responses arrive only in the Done payload.
	if full.Len() == 0 && doneReply != "" {
		r.scanReply(key, doneReply)
		return onChunk(doneReply)
	}
	r.scanReply(key, full.String())
	return nil
}

// scanReply logs when a reply carries something that looks like a credential
// or employee PII. Detection is log-only; the reply has already streamed.
func (r *Router) scanReply(key turn.Key, reply string) {
	for _, w := range r.leaks.Scan(reply) {
		r.logger.Warn("possible leak in reply", "pattern", w.Pattern, "sample", w.Sample, "session_id", key.SessionID)
	}
}

func (r *Router) generateOptions(ctx context.Context, key turn.Key, prompt string) []ai.GenerateOption {
	// Escape % characters to prevent fmt corruption inside ai.WithSystem.
	system := strings.ReplaceAll(r.systemPrompt(), "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithModelName("googleai/" + r.model),
		ai.WithPrompt(prompt),
		ai.WithSystem(system),
	}
	if msgs := r.historyMessages(ctx, key); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if len(r.tools) > 0 {
		opts = append(opts, ai.WithTools(r.tools...))
		opts = append(opts, ai.WithMaxTurns(3))
	}
	return opts
}

// historyMessages replays the session's committed turns so the model sees
// the conversation so far. A missing row just means a fresh session.
func (r *Router) historyMessages(ctx context.Context, key turn.Key) []*ai.Message {
	if r.deps.Store == nil {
		return nil
	}
	row, err := r.deps.Store.GetSession(ctx, key.UserID, key.SessionID)
	if err != nil {
		return nil
	}
	turns := row.Turns
	if len(turns) > historyWindow {
		turns = turns[len(turns)-historyWindow:]
	}
	var msgs []*ai.Message
	for _, t := range turns {
		if t.UserInput != "" {
			msgs = append(msgs, ai.NewUserTextMessage(t.UserInput))
		}
		if t.AgentOutput != "" {
			msgs = append(msgs, ai.NewModelTextMessage(t.AgentOutput))
		}
	}
	return msgs
}

// fallbackReply answers deterministically when no API key is configured,
// still exercising the tools that do not need a model.
func (r *Router) fallbackReply(content string) string {
	lower := strings.ToLower(content)
	switch {
	case r.deps.Recall != nil && (strings.Contains(lower, "previous") || strings.Contains(lower, "last time") || strings.Contains(lower, "before")):
		return "I can look up your previous conversations once a model API key is configured."
	case strings.Contains(lower, "ticket"):
		return "I can file incident tickets once a model API key is configured."
	default:
		return "I can answer with full reasoning after a GEMINI_API_KEY is configured."
	}
}

func (r *Router) defineTools() []ai.ToolRef {
	var refs []ai.ToolRef

	if r.deps.DocSearch != nil && r.deps.DocSearch.Available() {
		refs = append(refs, genkit.DefineTool(r.g, "doc_search",
			"Search internal HR and IT documents. Input: a search query. Returns matching document titles and snippets.",
			func(ctx *ai.ToolContext, input struct {
				Query string `json:"query"`
			}) ([]tools.SearchResult, error) {
				return r.deps.DocSearch.Search(ctx, input.Query)
			},
		))
	}

	if r.deps.Ticketer != nil && r.deps.Ticketer.Available() {
		refs = append(refs, genkit.DefineTool(r.g, "create_ticket",
			"File an IT incident ticket. Input: summary, description, severity (low|medium|high|critical). Returns the created ticket with its id.",
			func(ctx *ai.ToolContext, input struct {
				Summary     string `json:"summary"`
				Description string `json:"description"`
				Severity    string `json:"severity"`
			}) (*tools.Ticket, error) {
				return r.deps.Ticketer.Create(ctx, tools.TicketRequest{
					Summary:     input.Summary,
					Description: input.Description,
					Severity:    input.Severity,
					UserID:      shared.UserID(ctx),
				})
			},
		))
		refs = append(refs, genkit.DefineTool(r.g, "get_ticket",
			"Look up an existing incident ticket by id.",
			func(ctx *ai.ToolContext, input struct {
				TicketID string `json:"ticket_id"`
			}) (*tools.Ticket, error) {
				return r.deps.Ticketer.Get(ctx, input.TicketID)
			},
		))
	}

	if r.deps.Mailer != nil && r.deps.Mailer.Available() {
		refs = append(refs, genkit.DefineTool(r.g, "send_email",
			"Email the user a summary. Input: recipient address, subject, plain-text body.",
			func(ctx *ai.ToolContext, input struct {
				To      string `json:"to"`
				Subject string `json:"subject"`
				Body    string `json:"body"`
			}) (string, error) {
				if err := r.deps.Mailer.Send(ctx, input.To, input.Subject, input.Body); err != nil {
					return "", err
				}
				return "sent", nil
			},
		))
	}

	if r.deps.Recall != nil {
		refs = append(refs, genkit.DefineTool(r.g, "recall_history",
			"Summarize what this user discussed in earlier sessions. Takes no input.",
			func(ctx *ai.ToolContext, _ struct{}) (string, error) {
				userID := shared.UserID(ctx)
				if userID == "" {
					return "", fmt.Errorf("no user in context")
				}
				return r.deps.Recall.History(ctx, userID, shared.SessionID(ctx))
			},
		))
	}

	return refs
}
