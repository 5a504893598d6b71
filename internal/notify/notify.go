package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"pkt.systems/pslog"

	"github.com/chris247474/nanoclaw/core"
	"github.com/chris247474/nanoclaw/schema"
)

const (
	// DefaultAttempts is how often a send is tried before giving up.
	DefaultAttempts = 3
	// DefaultRatePerSecond caps outbound sends across all chats.
	DefaultRatePerSecond = 5
	// DefaultBurst is the limiter burst size.
	DefaultBurst = 10

	sendTimeout   = 30 * time.Second
	errorSnippet  = 200
	breakerTrips  = 5
	breakerWindow = 30 * time.Second
)

// Config configures a Notifier. Groups is only needed for admin escalation.
type Config struct {
	Transport     core.ChatTransport
	Groups        core.GroupRegistry
	AssistantName string
	MainFolder    schema.GroupFolder
	Attempts      uint
	RatePerSecond float64
	Burst         int
	// BreakerChanged is called when the transport breaker opens or closes.
	BreakerChanged func(open bool)
}

// Notifier delivers outbound chat traffic through a rate limiter, a circuit
// breaker and a retry loop. It also counts agent messages relayed per chat.
type Notifier struct {
	transport core.ChatTransport
	groups    core.GroupRegistry
	name      string
	main      schema.GroupFolder
	attempts  uint
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker

	mu      sync.Mutex
	relayed map[schema.ChatJID]int
}

// New constructs a Notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.Transport == nil {
		return nil, errors.New("notify: transport is required")
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.MainFolder == "" {
		cfg.MainFolder = "main"
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chat-transport",
		MaxRequests: 1,
		Timeout:     breakerWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrips
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			if cfg.BreakerChanged != nil {
				cfg.BreakerChanged(to == gobreaker.StateOpen)
			}
		},
	})
	return &Notifier{
		transport: cfg.Transport,
		groups:    cfg.Groups,
		name:      strings.TrimSpace(cfg.AssistantName),
		main:      cfg.MainFolder,
		attempts:  cfg.Attempts,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker:   breaker,
		relayed:   make(map[schema.ChatJID]int),
	}, nil
}

// AssistantName returns the configured assistant name.
func (n *Notifier) AssistantName() string {
	return n.name
}

// Prefix prepends "<assistant>: " to text.
func (n *Notifier) Prefix(text string) string {
	if n.name == "" {
		return text
	}
	return n.name + ": " + text
}

// SendMessage delivers text unchanged.
func (n *Notifier) SendMessage(ctx context.Context, jid schema.ChatJID, text string) error {
	return n.deliver(ctx, jid, func(ctx context.Context) error {
		return n.transport.SendMessage(ctx, jid, text)
	})
}

// SendFile delivers a file. A non-empty caption gets the assistant prefix.
func (n *Notifier) SendFile(ctx context.Context, jid schema.ChatJID, path, caption, fileName string) error {
	if caption != "" {
		caption = n.Prefix(caption)
	}
	return n.deliver(ctx, jid, func(ctx context.Context) error {
		return n.transport.SendFile(ctx, jid, path, caption, fileName)
	})
}

// Connected reports whether the underlying transport is connected.
func (n *Notifier) Connected() bool {
	return n.transport.Connected()
}

// Reply sends text with the assistant prefix.
func (n *Notifier) Reply(ctx context.Context, jid schema.ChatJID, text string) error {
	return n.SendMessage(ctx, jid, n.Prefix(text))
}

// Relay sends an agent-authored message and counts it against the chat.
func (n *Notifier) Relay(ctx context.Context, jid schema.ChatJID, text string) error {
	if err := n.Reply(ctx, jid, text); err != nil {
		return err
	}
	n.mu.Lock()
	n.relayed[jid]++
	n.mu.Unlock()
	return nil
}

// TakeRelayed returns and resets the relay count for a chat.
func (n *Notifier) TakeRelayed(jid schema.ChatJID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := n.relayed[jid]
	delete(n.relayed, jid)
	return count
}

// AdminChats lists the chats of privileged tenants, sorted.
func (n *Notifier) AdminChats() []schema.ChatJID {
	if n.groups == nil {
		return nil
	}
	var out []schema.ChatJID
	for jid, group := range n.groups.Groups() {
		if group.IsMain || group.Folder == n.main {
			out = append(out, jid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NotifyAdmins sends a prefixed message to every privileged tenant chat,
// skipping the tenant named by exclude. It returns how many sends succeeded.
func (n *Notifier) NotifyAdmins(ctx context.Context, text string, exclude schema.GroupFolder) int {
	log := pslog.Ctx(ctx)
	sent := 0
	for _, jid := range n.AdminChats() {
		if exclude != "" {
			if group, ok := n.groups.Group(jid); ok && group.Folder == exclude {
				continue
			}
		}
		if err := n.Reply(ctx, jid, text); err != nil {
			if log != nil {
				log.Warn("admin notify failed", "chat", jid, "err", err)
			}
			continue
		}
		sent++
	}
	return sent
}

// NotifyAdminError escalates a failed agent run to the privileged tenants.
// Failures of a privileged tenant are not escalated.
func (n *Notifier) NotifyAdminError(ctx context.Context, group schema.RegisteredGroup, errText string) {
	if group.IsMain || group.Folder == n.main {
		return
	}
	text := fmt.Sprintf("[Agent Error] \"%s\" failed.\nError: %s\nLogs: groups/%s/logs/",
		group.Name, truncate(errText, errorSnippet), group.Folder)
	n.NotifyAdmins(ctx, text, "")
}

func (n *Notifier) deliver(ctx context.Context, jid schema.ChatJID, send func(context.Context) error) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify rate limit: %w", err)
	}
	_, err := n.breaker.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(n.attempts),
			retry.DelayType(retry.BackOffDelay),
		)
		return nil, r.Do(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()
			return send(sendCtx)
		})
	})
	if err != nil {
		if log := pslog.Ctx(ctx); log != nil {
			log.Warn("chat send failed", "chat", jid, "err", err)
		}
		return err
	}
	return nil
}

func truncate(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max])
}
