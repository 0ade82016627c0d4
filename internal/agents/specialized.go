package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/llm"
)

// Confidence weights of keyword-driven agents.
const (
	baseConfidence  = 0.2
	keywordBoost    = 0.15
	maxKeywordBoost = 0.5
	patternBoost    = 0.3
	contextBoost    = 0.25
)

// ErrMissingContext is returned by agents that work on the output of
// earlier steps when there is none.
var ErrMissingContext = errors.New("no earlier step output to work on")

// Profile describes a keyword-driven specialist.
type Profile struct {
	Type        dialog.AgentType
	Prompt      string
	Keywords    []string
	Patterns    []*regexp.Regexp
	ContextKeys []string
	// RequiresContext makes the agent refuse to run without one of
	// ContextKeys.
	RequiresContext bool
}

// Specialized is an LLM agent configured by a Profile.
type Specialized struct {
	base
	profile Profile
}

func NewSpecialized(p llm.Provider, profile Profile) *Specialized {
	return &Specialized{base: base{kind: profile.Type, llm: p}, profile: profile}
}

func (a *Specialized) CanHandle(ctx context.Context, message string, c *dialog.Context) float64 {
	withContext := hasContext(c, a.profile.ContextKeys)
	if a.profile.RequiresContext && !withContext {
		return 0
	}

	m := strings.ToLower(message)
	matched := 0
	for _, kw := range a.profile.Keywords {
		if strings.Contains(m, kw) {
			matched++
		}
	}
	conf := baseConfidence + min(float64(matched)*keywordBoost, maxKeywordBoost)
	for _, re := range a.profile.Patterns {
		if re.MatchString(message) {
			conf += patternBoost
			break
		}
	}
	if withContext {
		conf += contextBoost
	}
	return dialog.Clamp(conf)
}

func (a *Specialized) Process(ctx context.Context, message string, c *dialog.Context, history []llm.Message) (*dialog.AgentResult, error) {
	if a.profile.RequiresContext && !hasContext(c, a.profile.ContextKeys) {
		return nil, fmt.Errorf("%s: %w", a.kind, ErrMissingContext)
	}

	system := a.profile.Prompt
	if c != nil {
		if ub := userBlock(c.Memory); ub != "" {
			system += "\n\n" + ub
		}
	}
	resp, err := a.generate(ctx, conversation(system, c, history, message))
	if err != nil {
		return nil, err
	}
	return a.answer(resp, 0.8, nil), nil
}

// Profiles returns the built-in specialists.
func Profiles() []Profile {
	return []Profile{
		{
			Type: dialog.AgentSummary,
			Prompt: `You summarize. Condense the material into the key points as a short
bulleted list, then a one-sentence TL;DR. Keep facts, drop filler.`,
			Keywords:        []string{"summary", "summarize", "summarise", "tl;dr", "tldr", "key points", "in short", "brief"},
			Patterns:        []*regexp.Regexp{regexp.MustCompile(`(?i)\b(sum (it|this) up|give me the gist)\b`)},
			ContextKeys:     []string{KeySearchResults, KeyPreviousOutput},
			RequiresContext: true,
		},
		{
			Type: dialog.AgentComparison,
			Prompt: `You compare alternatives. Identify the options, pick the criteria that
matter for the user, present a compact comparison table and end with a
recommendation that states the trade-off.`,
			Keywords:    []string{"compare", "comparison", "versus", "difference between", "better than", "pros and cons", "which is better"},
			Patterns:    []*regexp.Regexp{regexp.MustCompile(`(?i)\s+vs\.?\s+`), regexp.MustCompile(`(?i)\bor\b.+\?$`)},
			ContextKeys: []string{KeySearchResults, KeyPreviousOutput},
		},
		{
			Type: dialog.AgentAnalysis,
			Prompt: `You analyze information. Look for patterns, trends, causes and
implications in the material, separate evidence from speculation and
state your conclusions with their confidence.`,
			Keywords:    []string{"analyze", "analyse", "analysis", "trend", "why did", "cause", "impact", "implication", "pattern"},
			Patterns:    []*regexp.Regexp{regexp.MustCompile(`(?i)\bwhat (does|do) .+ mean\b`)},
			ContextKeys: []string{KeySearchResults, KeyPreviousOutput},
		},
		{
			Type: dialog.AgentClarification,
			Prompt: `The user's request is ambiguous. Ask one or two short clarifying
questions that would let you answer well. Offer the most likely
interpretations as options. Do not answer the request yet.`,
			Keywords: []string{"not sure", "something like", "kind of", "whatever", "help me with", "i need help"},
			Patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)^\W*(it|this|that|those)\b`)},
		},
		{
			Type: dialog.AgentExpertise,
			Prompt: `You are a domain expert in security, law, finance, medicine and software
architecture. Answer precisely, name the relevant standards or rules,
flag risks, and say when a licensed professional should be consulted.`,
			Keywords: []string{"security", "vulnerability", "legal", "law", "contract", "tax", "finance", "investment", "medical", "symptom", "architecture", "compliance", "gdpr"},
			Patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)\b(is it legal|should i invest|cve-\d{4}-\d+)\b`)},
		},
		{
			Type: dialog.AgentNews,
			Prompt: `You aggregate news. Group the reports by story, note where sources agree
and where they contradict each other, give dates, and cite every source.`,
			Keywords:    []string{"news", "headlines", "what happened", "breaking", "coverage", "reported"},
			Patterns:    []*regexp.Regexp{regexp.MustCompile(`(?i)\b(in the news|what are they saying|latest on)\b`)},
			ContextKeys: []string{KeySearchResults, KeySources},
		},
		{
			Type: dialog.AgentTechDocs,
			Prompt: `You answer from library and framework documentation. Give the relevant
API, a minimal code example and the version it applies to.`,
			Keywords: []string{"documentation", "docs", "api reference", "how do i use", "example of", "library", "framework", "sdk"},
			Patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)\bhow (do|to) .+ in (go|python|rust|java|javascript|typescript)\b`)},
		},
		{
			Type: dialog.AgentCodeAnalysis,
			Prompt: `You review code. Explain what the code does, point out bugs and risky
constructs, and suggest concrete improvements with short snippets.`,
			Keywords: []string{"code", "function", "bug", "refactor", "review", "stack trace", "compile", "error:"},
			Patterns: []*regexp.Regexp{regexp.MustCompile("```"), regexp.MustCompile(`(?m)^\s*(func|def|class|public|import)\s`)},
		},
	}
}
