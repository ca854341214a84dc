package mailbox

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/crypton-sys/crypton/internal/runner/domain"
)

// placeholderContent fills a routed message when the agent's output carried
// no tagged region for it.
const placeholderContent = "(no message provided)"

// route describes where a step's output flows.
type route struct {
	forward   domain.Agent // zero value: no forward
	feedback  domain.Agent // zero value: no feedback
	broadcast bool
}

// routesByState is the fixed step routing table:
// Plan feeds Research; Research feeds Analyze and critiques Plan; Analyze
// feeds Synthesize and critiques Research; Synthesize feeds Evaluation and
// critiques Analyze; Evaluation broadcasts to all four upstream agents.
var routesByState = map[domain.State]route{
	domain.StatePlan:       {forward: domain.AgentResearcher},
	domain.StateResearch:   {forward: domain.AgentAnalyst, feedback: domain.AgentPlanner},
	domain.StateAnalyze:    {forward: domain.AgentSynthesizer, feedback: domain.AgentResearcher},
	domain.StateSynthesize: {forward: domain.AgentEvaluator, feedback: domain.AgentAnalyst},
	domain.StateEvaluate:   {broadcast: true},
}

// broadcastTargets are Evaluation's recipients.
var broadcastTargets = []domain.Agent{
	domain.AgentPlanner,
	domain.AgentResearcher,
	domain.AgentAnalyst,
	domain.AgentSynthesizer,
}

var (
	feedbackPattern  = regexp.MustCompile(`(?s)<feedback>(.*?)</feedback>`)
	broadcastPattern = regexp.MustCompile(`(?s)<broadcast>(.*?)</broadcast>`)
)

// extractTagged pulls the first <tag>…</tag> region out of output, trimmed.
// ok is false when the tag is absent or empty.
func extractTagged(pattern *regexp.Regexp, output string) (string, bool) {
	m := pattern.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	content := strings.TrimSpace(m[1])
	if content == "" {
		return "", false
	}
	return content, true
}

// extractMailboxTo pulls <mailbox_to_AGENT>…</mailbox_to_AGENT> for a
// specific recipient.
func extractMailboxTo(agent domain.Agent, output string) (string, bool) {
	pattern := regexp.MustCompile(fmt.Sprintf(`(?s)<mailbox_to_%s>(.*?)</mailbox_to_%s>`,
		regexp.QuoteMeta(string(agent)), regexp.QuoteMeta(string(agent))))
	return extractTagged(pattern, output)
}

// Route extracts tagged regions from a step's output and appends the
// resulting messages per the routing table. Returns the messages routed.
func (s *Store) Route(step domain.State, from domain.Agent, output string, now time.Time) ([]domain.MailboxMessage, error) {
	r, ok := routesByState[step]
	if !ok {
		return nil, nil
	}

	var msgs []domain.MailboxMessage

	if r.forward != "" {
		content, found := extractMailboxTo(r.forward, output)
		if !found {
			content = placeholderContent
		}
		msgs = append(msgs, domain.MailboxMessage{
			From:      from,
			To:        r.forward,
			Content:   content,
			Timestamp: now,
			Kind:      domain.KindForward,
		})
	}

	if r.feedback != "" {
		content, found := extractTagged(feedbackPattern, output)
		if !found {
			content = placeholderContent
		}
		msgs = append(msgs, domain.MailboxMessage{
			From:      from,
			To:        r.feedback,
			Content:   content,
			Timestamp: now,
			Kind:      domain.KindFeedback,
		})
	}

	if r.broadcast {
		content, found := extractTagged(broadcastPattern, output)
		if !found {
			content = placeholderContent
		}
		for _, target := range broadcastTargets {
			msgs = append(msgs, domain.MailboxMessage{
				From:      from,
				To:        target,
				Content:   content,
				Timestamp: now,
				Kind:      domain.KindBroadcast,
			})
		}
	}

	for _, msg := range msgs {
		if err := s.Append(msg); err != nil {
			return msgs, err
		}
	}
	return msgs, nil
}
