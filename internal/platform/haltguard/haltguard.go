package haltguard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// ErrHalted indicates a platform-wide halt is in effect. Ceremony
// operations must be refused while it holds.
var ErrHalted = errors.New("system halt in effect")

// Static is an in-process halt flag, used in tests and in deployments
// without a shared coordination store.
type Static struct {
	halted atomic.Bool
}

func NewStatic() *Static {
	return &Static{}
}

// Halt raises the halt flag.
func (g *Static) Halt() {
	g.halted.Store(true)
}

// Resume clears the halt flag.
func (g *Static) Resume() {
	g.halted.Store(false)
}

// CheckWriteAllowed returns ErrHalted while the flag is raised.
func (g *Static) CheckWriteAllowed(_ context.Context) error {
	if g.halted.Load() {
		return ErrHalted
	}
	return nil
}

// haltKey is set by the platform operator tooling when a system-wide halt
// is declared.
const haltKey = "conclave:halt"

// Redis checks a shared halt flag in Redis so every instance observes the
// same halt state. A Redis failure counts as halted: key material must not
// move while the coordination store is unreadable.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// CheckWriteAllowed returns ErrHalted if the halt flag is set or unreadable.
func (g *Redis) CheckWriteAllowed(ctx context.Context) error {
	n, err := g.client.Exists(ctx, haltKey).Result()
	if err != nil {
		return fmt.Errorf("%w: halt flag unreadable: %v", ErrHalted, err)
	}
	if n > 0 {
		return ErrHalted
	}
	return nil
}
