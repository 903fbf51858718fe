// Package chat implements the community-chat round model: deterministic
// round identifiers, per-round quotas, sanitization and spam rules, and
// the pending/delivered/responded/ignored message lifecycle.
package chat

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradearena/arena/internal/domain"
)

// Rejection errors surface as 400s at the API edge with these texts.
var (
	ErrChatDisabled    = errors.New("chat is disabled for this simulation")
	ErrInvalidUsername = errors.New("username is empty or invalid")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrContainsLink    = errors.New("message contains a link")
	ErrUserRateLimited = errors.New("you are rate-limited for this round")
	ErrAgentBusy       = errors.New("this agent has reached its message limit for this round")
	ErrUnknownAgent    = errors.New("unknown agent")
)

const (
	maxUsernameLength = 40

	// safetyBuffer keeps messages out of rounds about to start: if the
	// next round is this close, the message targets the round after.
	safetyBuffer = 60 * time.Second
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	usernameStrip = regexp.MustCompile(`[^A-Za-z0-9 _.\-]`)

	// linkPattern matches URLs and bare domains (label.tld with a tld of
	// 2-10 letters).
	linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\b[a-z0-9-]+\.[a-z]{2,10}\b)`)
)

// FormatRoundID renders the canonical round identifier. The 0.001-hour
// precision (~3.6 s) keeps stored snapshots comparable across versions.
func FormatRoundID(day int, intradayHour float64) string {
	return fmt.Sprintf("%d-%.3f", day, intradayHour)
}

// Coordinator applies the chat rules to a simulation's chat state. It is
// stateless apart from its logger; all chat data lives in the snapshot.
type Coordinator struct {
	log zerolog.Logger
}

// NewCoordinator creates a chat coordinator.
func NewCoordinator(log zerolog.Logger) *Coordinator {
	return &Coordinator{log: log.With().Str("component", "chat").Logger()}
}

// TargetRound computes the round an incoming message is assigned to.
// cadenceHours is the trade-window cadence on the market-hours clock;
// secondsUntilNext is the real time remaining until the next window.
// With 60 s or less remaining the message skips to the round after next.
// A computed hour past the session end carries into (day+1, 0).
func (c *Coordinator) TargetRound(day int, intradayHour float64, mode domain.Mode, cadenceHours float64, secondsUntilNext float64) string {
	if cadenceHours <= 0 {
		cadenceHours = 1
	}

	nextHour := (math.Floor(intradayHour/cadenceHours) + 1) * cadenceHours
	if secondsUntilNext <= safetyBuffer.Seconds() {
		nextHour += cadenceHours
	}

	limit := domain.MarketHoursPerDay
	if mode == domain.ModeRealtime {
		limit = 7
	}
	if nextHour >= limit {
		return FormatRoundID(day+1, 0)
	}
	return FormatRoundID(day, nextHour)
}

// SanitizeUsername trims, collapses whitespace runs, strips characters
// outside [A-Za-z0-9 _.-], and caps the length. Empty results reject.
// The order matters: collapsing happens before stripping so a removed
// token never glues its neighbors together.
func SanitizeUsername(username string) (string, error) {
	s := whitespaceRun.ReplaceAllString(username, " ")
	s = strings.TrimSpace(s)
	s = usernameStrip.ReplaceAllString(s, "")
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > maxUsernameLength {
		s = strings.TrimSpace(s[:maxUsernameLength])
	}
	if s == "" {
		return "", ErrInvalidUsername
	}
	return s, nil
}

// SanitizeContent collapses whitespace, trims, and caps at maxLength.
func SanitizeContent(content string, maxLength int) (string, error) {
	s := whitespaceRun.ReplaceAllString(content, " ")
	s = strings.TrimSpace(s)
	if maxLength > 0 && len(s) > maxLength {
		s = strings.TrimSpace(s[:maxLength])
	}
	if s == "" {
		return "", ErrEmptyMessage
	}
	return s, nil
}

// ContainsLink reports whether content matches the URL/domain spam rule.
func ContainsLink(content string) bool {
	return linkPattern.MatchString(content)
}

// PostMessage validates and appends a user message targeting roundID.
// The message starts pending and is delivered at the next trade window.
func (c *Coordinator) PostMessage(
	state *domain.ChatState,
	username, targetAgentID, agentName, content, roundID string,
	now time.Time,
) (domain.ChatMessage, error) {
	if !state.Config.Enabled {
		return domain.ChatMessage{}, ErrChatDisabled
	}

	user, err := SanitizeUsername(username)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	text, err := SanitizeContent(content, state.Config.MaxMessageLength)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if ContainsLink(text) {
		return domain.ChatMessage{}, ErrContainsLink
	}

	if c.userCountInRound(state, user, roundID) >= state.Config.MaxMessagesPerUser {
		return domain.ChatMessage{}, ErrUserRateLimited
	}
	if targetAgentID != "" && c.agentCountInRound(state, targetAgentID, roundID) >= state.Config.MaxMessagesPerAgent {
		return domain.ChatMessage{}, ErrAgentBusy
	}

	msg := domain.ChatMessage{
		ID:            uuid.NewString(),
		SenderType:    domain.SenderUser,
		Sender:        user,
		TargetAgentID: targetAgentID,
		AgentName:     agentName,
		Content:       text,
		RoundID:       roundID,
		CreatedAt:     now,
		Status:        domain.StatusPending,
	}
	state.Messages = append(state.Messages, msg)

	c.log.Debug().
		Str("user", user).
		Str("agent", targetAgentID).
		Str("round", roundID).
		Msg("Chat message accepted")
	return msg, nil
}

// DeliverPending transitions every pending user message to delivered,
// stamping the current round regardless of the originally assigned one.
func (c *Coordinator) DeliverPending(state *domain.ChatState, roundID string) int {
	delivered := 0
	for i := range state.Messages {
		m := &state.Messages[i]
		if m.SenderType == domain.SenderUser && m.Status == domain.StatusPending {
			m.Status = domain.StatusDelivered
			m.RoundID = roundID
			delivered++
		}
	}
	return delivered
}

// MessagesForAgent gathers delivered messages directed at the agent for
// the round, capped at the per-agent quota.
func (c *Coordinator) MessagesForAgent(state *domain.ChatState, agentID, roundID string) []domain.ChatMessage {
	var out []domain.ChatMessage
	for _, m := range state.Messages {
		if m.SenderType != domain.SenderUser || m.Status != domain.StatusDelivered {
			continue
		}
		if m.TargetAgentID != agentID || m.RoundID != roundID {
			continue
		}
		out = append(out, m)
		if state.Config.MaxMessagesPerAgent > 0 && len(out) >= state.Config.MaxMessagesPerAgent {
			break
		}
	}
	return out
}

// ApplyReply sanitizes and stores an agent's reply for the round. A
// reply for an (agent, round) pair that already exists is replaced, so
// at most one agent message exists per round. Returns false when the
// sanitized reply is empty and nothing was stored.
func (c *Coordinator) ApplyReply(
	state *domain.ChatState,
	agentID, agentName, roundID, reply string,
	senders []string,
	now time.Time,
) bool {
	// Strip links entirely rather than rejecting: the reply may still be
	// useful without them.
	text := linkPattern.ReplaceAllString(reply, "")
	text = whitespaceRun.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	prefix := mentionPrefix(senders)
	maxLen := state.Config.MaxMessageLength
	if maxLen > 0 {
		budget := maxLen - len(prefix)
		if budget <= 0 {
			return false
		}
		if len(text) > budget {
			text = strings.TrimSpace(text[:budget])
			if text == "" {
				return false
			}
		}
	}
	content := prefix + text

	for i := range state.Messages {
		m := &state.Messages[i]
		if m.SenderType == domain.SenderAgent && m.TargetAgentID == agentID && m.RoundID == roundID {
			m.Content = content
			m.CreatedAt = now
			return true
		}
	}

	state.Messages = append(state.Messages, domain.ChatMessage{
		ID:            uuid.NewString(),
		SenderType:    domain.SenderAgent,
		Sender:        agentName,
		TargetAgentID: agentID,
		AgentName:     agentName,
		Content:       content,
		RoundID:       roundID,
		CreatedAt:     now,
	})
	return true
}

// MarkResponded transitions the agent's delivered messages for the round
// to responded.
func (c *Coordinator) MarkResponded(state *domain.ChatState, agentID, roundID string) {
	c.markDelivered(state, agentID, roundID, domain.StatusResponded)
}

// MarkIgnored transitions the agent's delivered messages for the round
// to ignored.
func (c *Coordinator) MarkIgnored(state *domain.ChatState, agentID, roundID string) {
	c.markDelivered(state, agentID, roundID, domain.StatusIgnored)
}

// CloseRound marks every user message still delivered as ignored.
// Runs after all agents have processed a round, so untargeted messages
// and over-quota leftovers never stay delivered past it.
func (c *Coordinator) CloseRound(state *domain.ChatState) int {
	closed := 0
	for i := range state.Messages {
		m := &state.Messages[i]
		if m.SenderType == domain.SenderUser && m.Status == domain.StatusDelivered {
			m.Status = domain.StatusIgnored
			closed++
		}
	}
	return closed
}

func (c *Coordinator) markDelivered(state *domain.ChatState, agentID, roundID string, status domain.MessageStatus) {
	for i := range state.Messages {
		m := &state.Messages[i]
		if m.SenderType == domain.SenderUser && m.Status == domain.StatusDelivered &&
			m.TargetAgentID == agentID && m.RoundID == roundID {
			m.Status = status
		}
	}
}

func (c *Coordinator) userCountInRound(state *domain.ChatState, username, roundID string) int {
	count := 0
	for _, m := range state.Messages {
		if m.SenderType == domain.SenderUser && m.RoundID == roundID &&
			strings.EqualFold(m.Sender, username) {
			count++
		}
	}
	return count
}

func (c *Coordinator) agentCountInRound(state *domain.ChatState, agentID, roundID string) int {
	count := 0
	for _, m := range state.Messages {
		if m.SenderType == domain.SenderUser && m.RoundID == roundID && m.TargetAgentID == agentID {
			count++
		}
	}
	return count
}

// mentionPrefix builds "@u1 @u2 " for the unique senders in first-seen
// order.
func mentionPrefix(senders []string) string {
	if len(senders) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(senders))
	var b strings.Builder
	for _, s := range senders {
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		b.WriteString("@")
		b.WriteString(s)
		b.WriteString(" ")
	}
	return b.String()
}
