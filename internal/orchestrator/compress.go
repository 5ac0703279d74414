package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/codeassist/internal/history"
	"github.com/nidhogg/codeassist/internal/prompt"
	"github.com/nidhogg/codeassist/internal/provider"
)

// ErrEmptyConversation is returned when there is nothing to summarize.
var ErrEmptyConversation = errors.New("conversation is empty")

const (
	summarySystem = "You are a helpful assistant that creates concise summaries of conversations. " +
		"Your summaries keep the key information and technical details of the discussion."

	summaryRequest = "Please create a comprehensive summary of our entire conversation above. " +
		"The summary should:\n" +
		"1. Preserve all important context, decisions, and key information\n" +
		"2. Maintain technical details, code snippets, file references, and specific examples\n" +
		"3. Keep the chronological flow of the discussion\n" +
		"4. Be significantly shorter than the original (aim for 30-40% of original length)\n" +
		"5. Be written in clear, structured format\n" +
		"6. Use markdown formatting for better readability\n\n" +
		"Create the summary now:"

	summaryHeading = "# Chat Summary\n\n"
)

// Compress summarizes a conversation through the chat route and stores
// the summary as the only entry of target. An empty target compresses the
// conversation in place; otherwise the source is left as it was. Summary
// tokens stream on the channel. On failure or cancellation target keeps
// its previous history.
func (o *Orchestrator) Compress(ctx context.Context, conversation, target string) (<-chan provider.Event, error) {
	if target == "" {
		target = conversation
	}
	for _, id := range []string{conversation, target} {
		if err := history.ValidateConversation(id); err != nil {
			return nil, err
		}
	}
	route, tmpl, adapter, err := o.resolve(PurposeChat)
	if err != nil {
		return nil, err
	}
	if tmpl.Kind != prompt.KindChat {
		return nil, fmt.Errorf("%w: %s: compression needs a chat template", prompt.ErrTemplateInvalid, tmpl.Name)
	}

	// Let a running turn settle so the summary sees complete history.
	if target != conversation {
		o.stop("chat:" + conversation)
	}
	f, ctx := o.begin(ctx, "chat:"+target)
	started := false
	defer func() {
		if !started {
			o.finish(f)
		}
	}()

	src, err := o.session(ctx, conversation)
	if err != nil {
		return nil, err
	}
	entries := src.Entries()
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyConversation, conversation)
	}
	dst, err := o.session(ctx, target)
	if err != nil {
		return nil, err
	}

	msgs := make([]prompt.Message, 0, len(entries)+1)
	for _, e := range entries {
		msgs = append(msgs, prompt.Message{Role: string(e.Role), Content: e.Content})
	}
	msgs = append(msgs, prompt.Message{Role: prompt.RoleUser, Content: summaryRequest})
	req := provider.NewRequest(prompt.Rendered{
		Template: tmpl.Name,
		Kind:     prompt.KindChat,
		System:   summarySystem,
		Messages: msgs,
		Stop:     append([]string(nil), tmpl.Stop...),
	}, route.Provider)

	out := make(chan provider.Event, 16)
	started = true
	go func() {
		defer o.finish(f)
		defer close(out)
		text, final, ok := o.relay(ctx, adapter, req, out, true)
		if !ok || ctx.Err() != nil {
			return
		}
		summary := strings.TrimSpace(text)
		if summary == "" {
			send(ctx, out, provider.Failure(errors.New("provider returned an empty summary")))
			return
		}
		if _, err := dst.Replace([]history.Entry{history.NewEntry(history.RoleAssistant, summaryHeading+summary)}); err != nil {
			send(ctx, out, provider.Failure(err))
			return
		}
		o.logger.Info("conversation compressed",
			zap.String("conversation", conversation),
			zap.String("target", target),
			zap.Int("entries", len(entries)),
			zap.Int("tokens", dst.Total()))
		o.archive(ctx, target, dst)
		send(ctx, out, final)
	}()
	return out, nil
}
