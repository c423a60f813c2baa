package decision

import (
	"context"
	"fmt"

	"github.com/hackgods/appointment-reassignment/internal/llm"
	"github.com/hackgods/appointment-reassignment/internal/logger"
)

// TemplateProvider renders the whole case bundle into one prompt and makes a
// single chat completion.
type TemplateProvider struct {
	client llm.Client
	log    *logger.Logger
}

func NewTemplateProvider(client llm.Client, log *logger.Logger) *TemplateProvider {
	return &TemplateProvider{client: client, log: log.With("provider", NameTemplate)}
}

func (p *TemplateProvider) Name() string { return NameTemplate }

func (p *TemplateProvider) Decide(ctx context.Context, bundle CaseBundle) (*Output, error) {
	user, err := renderUserPrompt(&bundle)
	if err != nil {
		return nil, err
	}

	p.log.Debug("requesting batched decision",
		"cases", len(bundle.Cases),
		"providers", len(bundle.Providers),
		"model", p.client.Model(),
	)

	msg, err := p.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: user},
	}, nil, true)
	if err != nil {
		return nil, fmt.Errorf("template decision: %w", err)
	}

	out, err := ParseOutput(msg.Content)
	if err != nil {
		return nil, err
	}
	p.log.Info("batched decision received", "assignments", len(out.Assignments))
	return out, nil
}
