package hanabot

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

var (
	// timeout(<minutes>, <reason>); on a single line. The arguments are
	// matched loosely so malformed directives are still stripped.
	timeoutDirectivePattern = regexp.MustCompile(`timeout\(\s*(.*?)\s*\);`)

	// memory(<content>); where content may span lines
	memoryDirectivePattern = regexp.MustCompile(`(?s)memory\((.*?)\);`)
)

// DirectiveKind identifies a directive grammar
type DirectiveKind int

const (
	DirectiveTimeout DirectiveKind = iota + 1
	DirectiveMemory
)

func (k DirectiveKind) String() string {
	switch k {
	case DirectiveTimeout:
		return "timeout"
	case DirectiveMemory:
		return "memory"
	default:
		return fmt.Sprintf("DirectiveKind(%d)", int(k))
	}
}

// Directive is a control instruction embedded in a model reply
type Directive struct {
	Kind DirectiveKind

	// Raw is the matched directive text, as stripped from the reply
	Raw string

	// Minutes and Reason are set for timeout directives
	Minutes int
	Reason  string

	// Content is set for memory directives
	Content string

	// ParseErr is set when a timeout's arguments couldn't be parsed.
	// The directive is still stripped, but never executed.
	ParseErr error
}

// DirectiveOutcome reports what Process did with a reply
type DirectiveOutcome int

const (
	// DirectiveUnhandled means the reply had no directives, and is
	// returned unchanged
	DirectiveUnhandled DirectiveOutcome = iota
	// DirectiveHandled means directives were stripped, and text remains
	DirectiveHandled
	// DirectiveEmpty means nothing remains after stripping directives,
	// so nothing should be sent
	DirectiveEmpty
)

func (o DirectiveOutcome) String() string {
	switch o {
	case DirectiveUnhandled:
		return "unhandled"
	case DirectiveHandled:
		return "handled"
	case DirectiveEmpty:
		return "empty"
	default:
		return fmt.Sprintf("DirectiveOutcome(%d)", int(o))
	}
}

// DirectiveContext identifies the message a reply answers
type DirectiveContext struct {
	GuildID   string
	UserID    string
	ChannelID string

	// TimeoutEnabled allows timeout directives to be executed. They're
	// stripped either way.
	TimeoutEnabled bool
}

// MemoryWriter saves long-term memories
type MemoryWriter interface {
	Append(channelID, userID, guildID, content string) (MemoryRecord, error)
}

// DirectiveProcessor executes and strips directives from model replies
type DirectiveProcessor struct {
	moderator Moderator
	memories  MemoryWriter
	operator  string
	logger    *slog.Logger
}

func NewDirectiveProcessor(
	moderator Moderator,
	memories MemoryWriter,
	logger *slog.Logger,
) *DirectiveProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectiveProcessor{
		moderator: moderator,
		memories:  memories,
		operator:  defaultTimeoutOperator,
		logger:    logger,
	}
}

// ParseDirectives returns the directives found in text: the first
// timeout directive, then each memory directive in order.
func ParseDirectives(text string) []Directive {
	_, directives := extractDirectives(text)
	return directives
}

// extractDirectives returns text with its directives stripped, along
// with the directives. Memory directives are found one at a time in the
// progressively cleaned text, each stripped once. The first timeout
// directive found in the original text is stripped last.
func extractDirectives(text string) (string, []Directive) {
	var directives []Directive
	var timeout *Directive

	if m := timeoutDirectivePattern.FindStringSubmatch(text); m != nil {
		d := parseTimeoutDirective(m[0], m[1])
		timeout = &d
		directives = append(directives, d)
	}

	cleaned := text
	for {
		m := memoryDirectivePattern.FindStringSubmatch(cleaned)
		if m == nil {
			break
		}
		directives = append(
			directives,
			Directive{
				Kind:    DirectiveMemory,
				Raw:     m[0],
				Content: strings.TrimSpace(m[1]),
			},
		)
		cleaned = strings.TrimSpace(strings.Replace(cleaned, m[0], "", 1))
	}

	if timeout != nil {
		cleaned = strings.TrimSpace(strings.Replace(cleaned, timeout.Raw, "", 1))
	}
	return cleaned, directives
}

func parseTimeoutDirective(raw string, args string) Directive {
	d := Directive{Kind: DirectiveTimeout, Raw: raw}
	minutesArg, reason, _ := strings.Cut(args, ",")
	minutes, err := strconv.Atoi(strings.TrimSpace(minutesArg))
	if err != nil {
		d.ParseErr = fmt.Errorf("invalid timeout minutes %q: %w", minutesArg, err)
		return d
	}
	d.Minutes = minutes
	d.Reason = strings.TrimSpace(reason)
	if d.Reason == "" {
		d.Reason = defaultTimeoutReason
	}
	return d
}

// Process executes the directives in reply and strips them. Execution
// failures are logged, never returned: the directive text is removed
// regardless.
func (p *DirectiveProcessor) Process(
	ctx context.Context,
	reply string,
	dctx DirectiveContext,
) (DirectiveOutcome, string) {
	cleaned, directives := extractDirectives(reply)
	if len(directives) == 0 {
		return DirectiveUnhandled, reply
	}

	logger := contextLoggerOr(ctx, p.logger)
	for _, d := range directives {
		switch d.Kind {
		case DirectiveTimeout:
			p.executeTimeout(ctx, logger, d, dctx)
		case DirectiveMemory:
			p.saveMemory(ctx, logger, d, dctx)
		}
	}

	if cleaned == "" {
		logger.DebugContext(ctx, "reply is empty after removing directives")
		return DirectiveEmpty, ""
	}
	return DirectiveHandled, cleaned
}

func (p *DirectiveProcessor) executeTimeout(
	ctx context.Context,
	logger *slog.Logger,
	d Directive,
	dctx DirectiveContext,
) {
	logger = logger.With("directive", d.Kind, "raw", d.Raw)
	switch {
	case !dctx.TimeoutEnabled:
		logger.InfoContext(ctx, "timeout directives are disabled here, skipping")
		return
	case d.ParseErr != nil:
		logger.ErrorContext(ctx, "unable to parse timeout directive", tint.Err(d.ParseErr))
		return
	case dctx.GuildID == "":
		logger.ErrorContext(ctx, "no guild for timeout directive, skipping")
		return
	case p.moderator == nil:
		logger.WarnContext(ctx, "no moderator configured, skipping timeout directive")
		return
	}

	err := ExecuteTimeout(
		WithLogger(ctx, logger),
		p.moderator,
		dctx.GuildID,
		dctx.UserID,
		d.Minutes,
		d.Reason,
		p.operator,
	)
	if err != nil {
		logger.ErrorContext(ctx, "timeout directive failed", tint.Err(err))
		return
	}
	logger.InfoContext(
		ctx,
		"timeout directive executed",
		"user_id", dctx.UserID,
		"minutes", d.Minutes,
		"reason", d.Reason,
	)
}

func (p *DirectiveProcessor) saveMemory(
	ctx context.Context,
	logger *slog.Logger,
	d Directive,
	dctx DirectiveContext,
) {
	if p.memories == nil {
		logger.WarnContext(ctx, "no memory store configured, skipping memory directive")
		return
	}
	if dctx.ChannelID == "" {
		logger.ErrorContext(ctx, "no channel for memory directive, skipping")
		return
	}
	if _, err := p.memories.Append(dctx.ChannelID, dctx.UserID, dctx.GuildID, d.Content); err != nil {
		logger.ErrorContext(
			ctx,
			"error saving memory",
			"content", truncate(d.Content, 50),
			tint.Err(err),
		)
	}
}
