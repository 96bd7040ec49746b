package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/wire"
)

const (
	// DefaultCommandTimeout bounds how long a caller waits for an adapter's
	// command reply before surfacing an internal error.
	DefaultCommandTimeout = 5 * time.Second

	defaultControlBuffer = 32
	defaultEventBuffer   = 1024
)

type managed struct {
	adapter Adapter
	control chan Control
}

// Manager supervises one task per registered adapter and merges all adapter
// output into a single event source consumed by the router.
type Manager struct {
	mu         sync.Mutex
	adapters   map[string]*managed
	joined     map[string]struct{} // topic strings currently joined
	events     chan Item
	cmdTimeout time.Duration
	running    bool
}

// NewManager creates a manager. cmdTimeout <= 0 uses DefaultCommandTimeout.
func NewManager(cmdTimeout time.Duration) *Manager {
	if cmdTimeout <= 0 {
		cmdTimeout = DefaultCommandTimeout
	}
	return &Manager{
		adapters:   make(map[string]*managed),
		joined:     make(map[string]struct{}),
		events:     make(chan Item, defaultEventBuffer),
		cmdTimeout: cmdTimeout,
	}
}

// Register adds an adapter before Run. Registering two adapters for the same
// platform replaces the earlier one.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[strings.ToLower(a.Platform())] = &managed{
		adapter: a,
		control: make(chan Control, defaultControlBuffer),
	}
}

// lookup resolves a platform name to its adapter. Platform names are matched
// case-insensitively, like the platform segment of a topic.
func (m *Manager) lookup(platform string) *managed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adapters[strings.ToLower(platform)]
}

// Platforms lists the registered platform names.
func (m *Manager) Platforms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		out = append(out, name)
	}
	return out
}

// Events is the merged, multi-adapter event source. It is closed after every
// adapter task has exited.
func (m *Manager) Events() <-chan Item { return m.events }

// Run starts every registered adapter and blocks until all have exited after
// ctx cancellation. Adapter task failures are logged and the task is not
// restarted here; adapters own their platform-level reconnection.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("adapter manager already running")
	}
	m.running = true
	tasks := make([]*managed, 0, len(m.adapters))
	for _, t := range m.adapters {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t *managed) {
			defer wg.Done()
			name := t.adapter.Platform()
			slog.Info("starting platform adapter", slog.String("platform", name))
			if err := t.adapter.Run(ctx, t.control, m.events); err != nil && ctx.Err() == nil {
				slog.Error("platform adapter exited", slog.String("platform", name), slog.Any("err", err))
			}
		}(t)
	}
	wg.Wait()
	close(m.events)
	return ctx.Err()
}

// ExecuteCommand routes req to the adapter owning its platform and waits up
// to the configured timeout for the reply. Every path yields a definitive
// result: unknown platforms are NotSupported; timeouts, cancellation, and a
// wedged adapter are Internal.
func (m *Manager) ExecuteCommand(ctx context.Context, req wire.CommandRequest) wire.CommandResult {
	t := m.lookup(req.Platform)
	if t == nil {
		return wire.CommandResult{Status: wire.CommandNotSupported, Detail: "no adapter for platform " + req.Platform}
	}

	ctx, cancel := context.WithTimeout(ctx, m.cmdTimeout)
	defer cancel()

	env := &CommandEnvelope{Request: req, Reply: make(chan wire.CommandResult, 1)}
	select {
	case t.control <- Control{Kind: ControlCommand, Command: env}:
	case <-ctx.Done():
		return wire.CommandResult{Status: wire.CommandInternal, Detail: "adapter busy: " + ctx.Err().Error()}
	}
	select {
	case res := <-env.Reply:
		return res
	case <-ctx.Done():
		return wire.CommandResult{Status: wire.CommandInternal, Detail: "adapter reply timeout"}
	}
}

// QueryPermissions asks the platform's adapter what the configured identity
// may do in room, bounded by the command timeout.
func (m *Manager) QueryPermissions(ctx context.Context, platform, room string) (Permissions, error) {
	t := m.lookup(platform)
	if t == nil {
		return Permissions{}, fmt.Errorf("no adapter for platform %s", platform)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cmdTimeout)
	defer cancel()

	q := &PermissionsQuery{Room: room, Reply: make(chan Permissions, 1)}
	select {
	case t.control <- Control{Kind: ControlQueryPermissions, Perms: q}:
	case <-ctx.Done():
		return Permissions{}, fmt.Errorf("adapter busy: %w", ctx.Err())
	}
	select {
	case p := <-q.Reply:
		return p, nil
	case <-ctx.Done():
		return Permissions{}, fmt.Errorf("permissions reply timeout: %w", ctx.Err())
	}
}

// UpdateAuth pushes fresh credentials to the platform's adapter.
func (m *Manager) UpdateAuth(platform, token string) {
	t := m.lookup(platform)
	if t == nil {
		slog.Warn("auth update for unknown platform", slog.String("platform", platform))
		return
	}
	select {
	case t.control <- Control{Kind: ControlUpdateAuth, Token: token}:
	default:
		slog.Warn("auth update dropped, adapter control full", slog.String("platform", platform))
	}
}

// ApplyJoinsLeaves is the single place registry refcount transitions become
// adapter Join/Leave calls. It is idempotent against the locally tracked
// joined set, so duplicated or reordered transition notifications cannot
// double-join or double-leave a room.
func (m *Manager) ApplyJoinsLeaves(join, leave []wire.RoomKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range join {
		topic := key.String()
		if _, ok := m.joined[topic]; ok {
			continue
		}
		t := m.adapters[strings.ToLower(key.Platform)]
		if t == nil {
			slog.Warn("join for unknown platform", slog.String("topic", topic))
			continue
		}
		m.joined[topic] = struct{}{}
		m.sendControlLocked(t, Control{Kind: ControlJoin, Room: key.Room}, topic)
	}
	for _, key := range leave {
		topic := key.String()
		if _, ok := m.joined[topic]; !ok {
			continue
		}
		t := m.adapters[strings.ToLower(key.Platform)]
		if t == nil {
			continue
		}
		delete(m.joined, topic)
		m.sendControlLocked(t, Control{Kind: ControlLeave, Room: key.Room}, topic)
	}
	telemetry.SetJoinedRooms(len(m.joined))
}

func (m *Manager) sendControlLocked(t *managed, c Control, topic string) {
	select {
	case t.control <- c:
	default:
		// Control buffer full means the adapter is wedged; the joined set is
		// already updated so a later reconcile pass stays consistent.
		slog.Error("adapter control full, membership change dropped",
			slog.String("topic", topic), slog.Int("kind", int(c.Kind)))
	}
}

// JoinedRooms reports the currently joined topic count.
func (m *Manager) JoinedRooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.joined)
}
