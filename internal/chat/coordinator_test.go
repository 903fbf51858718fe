package chat

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradearena/arena/internal/domain"
)

func newState() *domain.ChatState {
	return &domain.ChatState{
		Config: domain.ChatConfig{
			Enabled:             true,
			MaxMessagesPerAgent: 3,
			MaxMessagesPerUser:  2,
			MaxMessageLength:    120,
		},
	}
}

func coord() *Coordinator {
	return NewCoordinator(zerolog.Nop())
}

func TestFormatRoundID(t *testing.T) {
	assert.Equal(t, "2-3.000", FormatRoundID(2, 3))
	assert.Equal(t, "0-1.983", FormatRoundID(0, 1.9833))
	assert.Equal(t, "15-0.500", FormatRoundID(15, 0.5))
}

func TestTargetRoundSafetyBuffer(t *testing.T) {
	c := coord()

	// Scenario: day 2, hour ~1.983, 59 s to the 2.0 boundary. The
	// message skips to round 3.0.
	got := c.TargetRound(2, 1.9833, domain.ModeRealtime, 1.0, 59)
	assert.Equal(t, "2-3.000", got)

	// With comfortable time remaining it lands on the next round.
	got = c.TargetRound(2, 1.5, domain.ModeRealtime, 1.0, 1800)
	assert.Equal(t, "2-2.000", got)
}

func TestTargetRoundDayRollover(t *testing.T) {
	c := coord()

	// Simulated: hour 6.0 with cadence 1 pushes past 6.5.
	got := c.TargetRound(4, 6.0, domain.ModeSimulated, 1.0, 3600)
	assert.Equal(t, "5-0.000", got)

	// Realtime tolerates computed hours up to 7 before carrying.
	got = c.TargetRound(4, 6.0, domain.ModeRealtime, 0.5, 1800)
	assert.Equal(t, "4-6.500", got)
	got = c.TargetRound(4, 6.6, domain.ModeRealtime, 0.5, 30)
	assert.Equal(t, "5-0.000", got)
}

func TestSanitizeUsername(t *testing.T) {
	got, err := SanitizeUsername("  alice   bob\t<script> ")
	require.NoError(t, err)
	assert.Equal(t, "alice bob script", got)

	got, err = SanitizeUsername("a.b-c_d 9")
	require.NoError(t, err)
	assert.Equal(t, "a.b-c_d 9", got)

	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	got, err = SanitizeUsername(string(long))
	require.NoError(t, err)
	assert.Len(t, got, 40)

	_, err = SanitizeUsername("   <>!@#$%   ")
	assert.ErrorIs(t, err, ErrInvalidUsername)
}

func TestSanitizeContent(t *testing.T) {
	got, err := SanitizeContent("  hello\n\n  world  ", 120)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)

	_, err = SanitizeContent("   \t\n ", 120)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	got, err = SanitizeContent("abcdefghij", 5)
	require.NoError(t, err)
	assert.Equal(t, "abcde", got)
}

func TestContainsLink(t *testing.T) {
	assert.True(t, ContainsLink("check https://example.com now"))
	assert.True(t, ContainsLink("see www.pump.io"))
	assert.True(t, ContainsLink("buy dogecoin.gg today"))
	assert.False(t, ContainsLink("plain trading talk"))
	assert.False(t, ContainsLink("price is 1.5 today"))
}

func TestPostMessageLifecycle(t *testing.T) {
	c := coord()
	state := newState()
	now := time.Now()

	msg, err := c.PostMessage(state, "alice", "a1", "Bot One", "what's your plan?", "0-1.000", now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, msg.Status)
	assert.Equal(t, "0-1.000", msg.RoundID)
	assert.NotEmpty(t, msg.ID)

	// Trade window arrives: pending messages deliver into the current
	// round even if they targeted another.
	n := c.DeliverPending(state, "0-2.000")
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.StatusDelivered, state.Messages[0].Status)
	assert.Equal(t, "0-2.000", state.Messages[0].RoundID)

	got := c.MessagesForAgent(state, "a1", "0-2.000")
	require.Len(t, got, 1)

	ok := c.ApplyReply(state, "a1", "Bot One", "0-2.000", "buying more AAPL", []string{"alice"}, now)
	require.True(t, ok)
	c.MarkResponded(state, "a1", "0-2.000")

	assert.Equal(t, domain.StatusResponded, state.Messages[0].Status)
	reply := state.Messages[1]
	assert.Equal(t, domain.SenderAgent, reply.SenderType)
	assert.Equal(t, "@alice buying more AAPL", reply.Content)
	assert.Empty(t, reply.Status)
}

func TestPostMessageRejections(t *testing.T) {
	c := coord()
	state := newState()
	now := time.Now()

	state.Config.Enabled = false
	_, err := c.PostMessage(state, "alice", "a1", "", "hi", "0-1.000", now)
	assert.ErrorIs(t, err, ErrChatDisabled)
	state.Config.Enabled = true

	_, err = c.PostMessage(state, "alice", "a1", "", "visit https://spam.io", "0-1.000", now)
	assert.ErrorIs(t, err, ErrContainsLink)
}

func TestUserQuotaPerRoundCaseInsensitive(t *testing.T) {
	c := coord()
	state := newState()
	now := time.Now()

	_, err := c.PostMessage(state, "Alice", "a1", "", "one", "0-1.000", now)
	require.NoError(t, err)
	_, err = c.PostMessage(state, "alice", "a1", "", "two", "0-1.000", now)
	require.NoError(t, err)
	_, err = c.PostMessage(state, "ALICE", "a1", "", "three", "0-1.000", now)
	assert.ErrorIs(t, err, ErrUserRateLimited)

	// A different round resets the quota.
	_, err = c.PostMessage(state, "alice", "a1", "", "next round", "0-2.000", now)
	assert.NoError(t, err)
}

func TestAgentQuotaPerRound(t *testing.T) {
	c := coord()
	state := newState()
	now := time.Now()

	for i, user := range []string{"u1", "u2", "u3"} {
		_, err := c.PostMessage(state, user, "a1", "", "hello", "0-1.000", now)
		require.NoError(t, err, "message %d", i)
	}
	_, err := c.PostMessage(state, "u4", "a1", "", "hello", "0-1.000", now)
	assert.ErrorIs(t, err, ErrAgentBusy)

	// Another agent is unaffected.
	_, err = c.PostMessage(state, "u4", "a2", "", "hello", "0-1.000", now)
	assert.NoError(t, err)
}

func TestApplyReplyReplacesExisting(t *testing.T) {
	c := coord()
	state := newState()
	now := time.Now()

	require.True(t, c.ApplyReply(state, "a1", "Bot", "0-1.000", "first", []string{"u"}, now))
	require.True(t, c.ApplyReply(state, "a1", "Bot", "0-1.000", "second", []string{"u"}, now))

	var agentMsgs []domain.ChatMessage
	for _, m := range state.Messages {
		if m.SenderType == domain.SenderAgent {
			agentMsgs = append(agentMsgs, m)
		}
	}
	require.Len(t, agentMsgs, 1)
	assert.Equal(t, "@u second", agentMsgs[0].Content)
}

func TestApplyReplyStripsLinksAndHonorsLength(t *testing.T) {
	c := coord()
	state := newState()
	state.Config.MaxMessageLength = 20
	now := time.Now()

	ok := c.ApplyReply(state, "a1", "Bot", "0-1.000", "see https://x.io for detail", []string{"verylonguser"}, now)
	require.True(t, ok)
	last := state.Messages[len(state.Messages)-1]
	assert.LessOrEqual(t, len(last.Content), 20)
	assert.NotContains(t, last.Content, "https://")

	// A reply that is only a link sanitizes to nothing.
	ok = c.ApplyReply(state, "a2", "Bot2", "0-1.000", "https://only.link", nil, now)
	assert.False(t, ok)
}

func TestMarkIgnored(t *testing.T) {
	c := coord()
	state := newState()
	now := time.Now()

	_, err := c.PostMessage(state, "alice", "a1", "", "hello?", "0-1.000", now)
	require.NoError(t, err)
	c.DeliverPending(state, "0-1.000")
	c.MarkIgnored(state, "a1", "0-1.000")

	assert.Equal(t, domain.StatusIgnored, state.Messages[0].Status)
}

func TestCloseRoundSweepsUntargetedMessages(t *testing.T) {
	c := coord()
	state := newState()
	now := time.Now()

	// An untargeted message delivers but belongs to no agent, so no
	// markDelivered call ever reaches it.
	_, err := c.PostMessage(state, "alice", "", "", "hello anyone?", "0-1.000", now)
	require.NoError(t, err)
	_, err = c.PostMessage(state, "bob", "a1", "", "hello a1", "0-1.000", now)
	require.NoError(t, err)

	c.DeliverPending(state, "0-1.000")
	c.MarkResponded(state, "a1", "0-1.000")

	n := c.CloseRound(state)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.StatusIgnored, state.Messages[0].Status)
	assert.Equal(t, domain.StatusResponded, state.Messages[1].Status)

	// Nothing left delivered: a second sweep is a no-op, and a message
	// posted afterwards stays pending for the next round.
	assert.Zero(t, c.CloseRound(state))
	_, err = c.PostMessage(state, "alice", "", "", "still there?", "0-2.000", now)
	require.NoError(t, err)
	assert.Zero(t, c.CloseRound(state))
	assert.Equal(t, domain.StatusPending, state.Messages[2].Status)
}
