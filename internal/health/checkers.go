package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/korarent/internal/chain"
)

// CheckTimeout bounds each built-in checker.
const CheckTimeout = 3 * time.Second

// RPCChecker reads the operator account through the gateway. A missing
// account still proves the node answers.
func RPCChecker(gw chain.Gateway, operator string) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
		defer cancel()

		_, err := gw.GetAccount(ctx, operator)
		if err != nil && !errors.Is(err, chain.ErrAccountNotFound) {
			return Status{Name: "rpc", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "rpc", Healthy: true}
	}
}

// Loader is anything that can read the registry.
type Loader interface {
	Load(ctx context.Context) error
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) error

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context) error { return f(ctx) }

// RegistryChecker reports whether the registry file is readable.
func RegistryChecker(l Loader) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
		defer cancel()
		if err := l.Load(ctx); err != nil {
			return Status{Name: "registry", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "registry", Healthy: true}
	}
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseChecker pings the report database.
func DatabaseChecker(db Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: fmt.Sprintf("ping: %v", err)}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// CircuitSource lists RPC methods whose circuit is not closed.
type CircuitSource interface {
	Open() []string
}

// BreakerChecker fails while any RPC circuit is open or half-open.
func BreakerChecker(src CircuitSource) Checker {
	return func(context.Context) Status {
		open := src.Open()
		if len(open) == 0 {
			return Status{Name: "rpc_circuits", Healthy: true}
		}
		sort.Strings(open)
		return Status{Name: "rpc_circuits", Healthy: false, Detail: "open: " + strings.Join(open, ", ")}
	}
}
