package sleep

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kenobot/kenobot/internal/buildinfo"
	"github.com/kenobot/kenobot/internal/bus"
	"github.com/kenobot/kenobot/internal/memory"
	"github.com/kenobot/kenobot/internal/provider"
	"github.com/kenobot/kenobot/internal/usage"
)

const (
	// maxProviderSummaries caps provider-backed summaries per cycle so
	// a busy day cannot turn consolidation into a spend spike.
	maxProviderSummaries = 20

	// maxTranscriptBytes bounds the transcript sent per summary.
	maxTranscriptBytes = 8192

	// maxAuditErrors bounds how many trailing ERROR records the
	// analysis phase keeps from the audit file.
	maxAuditErrors = 100
)

const summaryPrompt = "Summarize this conversation in at most two sentences " +
	"for long-term memory. Keep durable facts, decisions, and preferences; " +
	"drop pleasantries."

// consolidate distills conversations active within the last period
// into long-term memory entries.
func (s *Supervisor) consolidate(ctx context.Context) (map[string]int, error) {
	since := time.Now().Add(-s.cfg.Period)
	convs, err := s.deps.Conversations.UpdatedSince(ctx, since)
	if err != nil {
		return nil, err
	}

	summarized, llmUsed := 0, 0
	for _, conv := range convs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs, err := s.deps.Conversations.Messages(ctx, conv.ID, 50)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			continue
		}

		var summary string
		if s.deps.Provider != nil && llmUsed < maxProviderSummaries {
			var viaLLM bool
			summary, viaLLM = s.summarizeConversation(ctx, conv, msgs)
			if viaLLM {
				llmUsed++
			}
		} else {
			summary = extractiveSummary(conv, msgs)
		}
		if summary == "" {
			continue
		}
		if _, err := s.deps.LongTerm.AddEntry(ctx, "consolidation", summary, conv.ID); err != nil {
			return nil, err
		}
		summarized++
	}
	return map[string]int{
		"conversations": len(convs),
		"summarized":    summarized,
		"llm":           llmUsed,
	}, nil
}

// summarizeConversation asks the provider for a summary, falling back
// to the extractive form on any provider error. The second return
// reports whether the provider was used.
func (s *Supervisor) summarizeConversation(ctx context.Context, conv memory.Conversation, msgs []memory.Message) (string, bool) {
	reply, err := s.deps.Provider.Chat(ctx, provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: summaryPrompt},
			{Role: "user", Content: buildTranscript(msgs)},
		},
	})
	if err != nil {
		s.deps.Logger.Warn("provider summary failed, using extractive fallback",
			"chat_id", conv.ID,
			"error", err,
		)
		return extractiveSummary(conv, msgs), false
	}
	s.recordUsage(ctx, conv.ID, reply)
	return strings.TrimSpace(reply.Text), true
}

func (s *Supervisor) recordUsage(ctx context.Context, chatID string, reply *provider.ChatReply) {
	if s.deps.Usage == nil {
		return
	}
	cost := usage.ComputeCost(reply.Model, reply.InputTokens, reply.OutputTokens, s.cfg.Pricing)
	err := s.deps.Usage.Record(ctx, usage.Record{
		ChatID:       chatID,
		Model:        reply.Model,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
		CostUSD:      cost,
		Origin:       usage.OriginSleep,
	})
	if err != nil {
		s.deps.Logger.Warn("usage record failed", "error", err)
	}
}

func buildTranscript(msgs []memory.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		line := m.Role + ": " + m.Content + "\n"
		if b.Len()+len(line) > maxTranscriptBytes {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

// extractiveSummary produces a cheap no-provider summary from the
// conversation's shape.
func extractiveSummary(conv memory.Conversation, msgs []memory.Message) string {
	var firstUser, lastAssistant string
	for _, m := range msgs {
		if firstUser == "" && m.Role == "user" {
			firstUser = m.Content
		}
		if m.Role == "assistant" {
			lastAssistant = m.Content
		}
	}

	parts := []string{fmt.Sprintf("%d messages", conv.MessageCount)}
	if firstUser != "" {
		parts = append(parts, "opened with: "+snippet(firstUser, 120))
	}
	if lastAssistant != "" {
		parts = append(parts, "last reply: "+snippet(lastAssistant, 120))
	}
	title := conv.Title
	if title == "" {
		title = "untitled"
	}
	return fmt.Sprintf("Conversation %s (%s): %s.", conv.ID, title, strings.Join(parts, "; "))
}

func snippet(content string, maxRunes int) string {
	t := strings.Join(strings.Fields(content), " ")
	r := []rune(t)
	if len(r) > maxRunes {
		return string(r[:maxRunes])
	}
	return t
}

// analyzeErrors reduces bus statistics and the audit trail's recent
// ERROR records into one analysis entry.
func (s *Supervisor) analyzeErrors(ctx context.Context) (map[string]int, error) {
	stats := s.deps.Bus.Stats()
	total := int(stats.ByType[bus.TypeError])
	counters := map[string]int{"errorSignals": total}

	var origins map[string]int
	if trail := s.deps.Bus.AuditTrail(); trail != nil {
		var err error
		origins, err = recentErrorOrigins(trail.Path(), maxAuditErrors)
		if err != nil {
			s.deps.Logger.Warn("audit scan failed", "error", err)
		}
	}
	counters["origins"] = len(origins)

	if total == 0 && len(origins) == 0 {
		return counters, nil
	}
	if _, err := s.deps.LongTerm.AddEntry(ctx, "errorAnalysis", formatErrorAnalysis(total, origins), "bus"); err != nil {
		return nil, err
	}
	counters["entries"] = 1
	return counters, nil
}

// recentErrorOrigins scans the audit file and counts the origins of
// the last keep ERROR signals.
func recentErrorOrigins(path string, keep int) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, keep)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sig bus.Signal
		if err := json.Unmarshal(line, &sig); err != nil {
			continue
		}
		if sig.Type != bus.TypeError {
			continue
		}
		origin := sig.Str("origin")
		if origin == "" {
			origin = sig.Source
		}
		if len(ring) == keep {
			ring = ring[1:]
		}
		ring = append(ring, origin)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	origins := make(map[string]int)
	for _, o := range ring {
		origins[o]++
	}
	return origins, nil
}

func formatErrorAnalysis(total int, origins map[string]int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d ERROR signals observed on the bus.", total)
	if len(origins) > 0 {
		names := make([]string, 0, len(origins))
		for name := range origins {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			if origins[names[i]] == origins[names[j]] {
				return names[i] < names[j]
			}
			return origins[names[i]] > origins[names[j]]
		})
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s (%d)", name, origins[name]))
		}
		b.WriteString(" Recent origins: " + strings.Join(parts, ", ") + ".")
	}
	return b.String()
}

// prune reclaims expired working memory and stale transient
// conversations.
func (s *Supervisor) prune(ctx context.Context) (map[string]int, error) {
	removedItems, err := s.deps.LongTerm.PruneWorking(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	removedChats, err := s.deps.Conversations.DeleteTransientBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return map[string]int{
		"workingItems":   removedItems,
		"transientChats": removedChats,
	}, nil
}

// improve writes the cycle's owner-facing proposal: spend, health,
// memory shape, and an optional release probe.
func (s *Supervisor) improve(ctx context.Context) (map[string]int, error) {
	now := time.Now().UTC()
	counters := map[string]int{"proposals": 1}
	var highlights []string

	var b strings.Builder
	fmt.Fprintf(&b, "# Sleep cycle report %s\n\n", now.Format("2006-01-02"))

	if s.deps.Usage != nil {
		if err := s.writeSpendSection(ctx, &b, now, &highlights); err != nil {
			return nil, err
		}
	}
	if s.deps.Health != nil {
		rep := s.deps.Health()
		b.WriteString("## Health\n\n")
		fmt.Fprintf(&b, "- state: %s\n- uptime: %s\n- memory: %d MiB from OS\n",
			rep.State, rep.Uptime, rep.Memory.SysBytes>>20)
		names := make([]string, 0, len(rep.Checks))
		for name := range rep.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			res := rep.Checks[name]
			if res.Detail != "" {
				fmt.Fprintf(&b, "- %s: %s (%s)\n", name, res.Status, res.Detail)
			} else {
				fmt.Fprintf(&b, "- %s: %s\n", name, res.Status)
			}
		}
		b.WriteString("\n")
		highlights = append(highlights, "health "+rep.State)
	}
	if overview, err := s.deps.LongTerm.Overview(ctx); err == nil {
		b.WriteString("## Memory\n\n")
		fmt.Fprintf(&b, "- long-term entries: %d\n- working items: %d\n- patterns: %d\n\n",
			overview.Entries, overview.WorkingItems, overview.Patterns)
	}
	if s.cfg.UpdateRepo != "" && s.deps.Releases != nil {
		available := s.writeReleaseSection(ctx, &b, &highlights)
		if available {
			counters["updateAvailable"] = 1
		} else {
			counters["updateAvailable"] = 0
		}
	}

	path, err := s.writeProposal(b.String(), now)
	if err != nil {
		return nil, err
	}

	title := "Sleep cycle report " + now.Format("2006-01-02")
	s.deps.Bus.Fire(bus.Signal{
		Type:   bus.TypeApprovalProposed,
		Source: "sleep",
		Payload: map[string]any{
			"title":   title,
			"path":    path,
			"summary": strings.Join(highlights, "; "),
		},
	})
	return counters, nil
}

func (s *Supervisor) writeSpendSection(ctx context.Context, b *strings.Builder, now time.Time, highlights *[]string) error {
	y, m, d := now.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	weekStart := now.AddDate(0, 0, -7)
	end := now.Add(time.Minute)

	today, err := s.deps.Usage.Summary(ctx, dayStart, end)
	if err != nil {
		return err
	}
	week, err := s.deps.Usage.Summary(ctx, weekStart, end)
	if err != nil {
		return err
	}
	byModel, err := s.deps.Usage.SummaryByModel(ctx, weekStart, end)
	if err != nil {
		return err
	}

	b.WriteString("## Spend\n\n")
	fmt.Fprintf(b, "- today: $%.4f across %d calls\n", today.TotalCostUSD, today.TotalRecords)
	fmt.Fprintf(b, "- last 7 days: $%.4f across %d calls (%d in / %d out tokens)\n",
		week.TotalCostUSD, week.TotalRecords, week.TotalInputTokens, week.TotalOutputTokens)
	models := make([]string, 0, len(byModel))
	for model := range byModel {
		models = append(models, model)
	}
	sort.Strings(models)
	for _, model := range models {
		sum := byModel[model]
		fmt.Fprintf(b, "- %s: $%.4f (%d calls)\n", model, sum.TotalCostUSD, sum.TotalRecords)
	}
	b.WriteString("\n")

	*highlights = append(*highlights, fmt.Sprintf("today $%.4f", today.TotalCostUSD))
	return nil
}

func (s *Supervisor) writeReleaseSection(ctx context.Context, b *strings.Builder, highlights *[]string) bool {
	owner, repo, ok := strings.Cut(s.cfg.UpdateRepo, "/")
	if !ok {
		s.deps.Logger.Warn("update repo is not owner/name", "repo", s.cfg.UpdateRepo)
		return false
	}
	info, err := s.deps.Releases.Latest(ctx, owner, repo)
	if err != nil {
		s.deps.Logger.Warn("release check failed", "repo", s.cfg.UpdateRepo, "error", err)
		fmt.Fprintf(b, "## Updates\n\n- release check failed: %v\n\n", err)
		return false
	}

	running := strings.TrimPrefix(buildinfo.Version, "v")
	latest := strings.TrimPrefix(info.Tag, "v")
	available := latest != "" && latest != running

	b.WriteString("## Updates\n\n")
	fmt.Fprintf(b, "- running: %s\n- latest release: %s (%s)\n",
		buildinfo.Version, info.Tag, info.PublishedAt.Format("2006-01-02"))
	if available {
		fmt.Fprintf(b, "- update available: %s\n", info.URL)
		*highlights = append(*highlights, "update "+info.Tag+" available")
	}
	b.WriteString("\n")
	return available
}
