package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/mbd888/korarent/internal/chain/chaintest"
)

func pass(context.Context) Status { return Status{Healthy: true} }

func fail(detail string) Checker {
	return func(context.Context) Status { return Status{Healthy: false, Detail: detail} }
}

func gaugeValue(t *testing.T, check string) float64 {
	t.Helper()
	var m dto.Metric
	if err := checkUp.WithLabelValues(check).Write(&m); err != nil {
		t.Fatalf("read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	report := r.Check(context.Background())
	if report.State != StateHealthy {
		t.Fatalf("empty registry should be healthy, got %s", report.State)
	}
	if len(report.Statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(report.Statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("rpc", Critical, pass)
	r.Register("database", Auxiliary, pass)

	report := r.Check(context.Background())
	if report.State != StateHealthy {
		t.Fatalf("all-healthy registry should report healthy, got %s", report.State)
	}
	if len(report.Failed()) != 0 {
		t.Fatalf("expected no failures, got %+v", report.Failed())
	}
}

func TestRegistryStateFollowsImpact(t *testing.T) {
	tests := []struct {
		name     string
		rpc      Checker
		database Checker
		want     State
	}{
		{"auxiliary failure degrades", pass, fail("connection refused"), StateDegraded},
		{"critical failure is unhealthy", fail("timeout"), pass, StateUnhealthy},
		{"critical outranks auxiliary", fail("timeout"), fail("connection refused"), StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			r.Register("rpc", Critical, tt.rpc)
			r.Register("database", Auxiliary, tt.database)

			report := r.Check(context.Background())
			if report.State != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, report.State)
			}
			if report.Statuses[0].Name != "rpc" || report.Statuses[1].Name != "database" {
				t.Fatalf("statuses out of registration order: %+v", report.Statuses)
			}
		})
	}
}

func TestRegistryStampsNameAndImpact(t *testing.T) {
	r := NewRegistry()
	r.Register("database", Auxiliary, fail("connection refused"))

	failed := r.Check(context.Background()).Failed()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failed))
	}
	if failed[0].Name != "database" || failed[0].Impact != Auxiliary || failed[0].Detail != "connection refused" {
		t.Fatalf("unexpected status %+v", failed[0])
	}
}

func TestRegistryReplacesDuplicateName(t *testing.T) {
	r := NewRegistry()
	r.Register("registry", Critical, fail("corrupt registry"))
	r.Register("registry", Critical, pass)

	report := r.Check(context.Background())
	if len(report.Statuses) != 1 || report.State != StateHealthy {
		t.Fatalf("expected the replacement check only, got %+v", report)
	}
}

func TestRegistryRunsChecksConcurrently(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	blocking := func(context.Context) Status {
		started.Done()
		<-release
		return Status{Healthy: true}
	}
	r.Register("rpc", Critical, blocking)
	r.Register("registry", Critical, blocking)

	go func() {
		started.Wait()
		close(release)
	}()

	done := make(chan Report, 1)
	go func() { done <- r.Check(context.Background()) }()
	select {
	case report := <-done:
		if report.State != StateHealthy {
			t.Fatalf("expected healthy, got %s", report.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("checks ran one after another")
	}
}

func TestRegistryExportsCheckGauge(t *testing.T) {
	r := NewRegistry()
	r.Register("gauge_rpc", Critical, pass)
	r.Register("gauge_database", Auxiliary, fail("connection refused"))
	r.Check(context.Background())

	if v := gaugeValue(t, "gauge_rpc"); v != 1 {
		t.Fatalf("expected gauge_rpc up, got %v", v)
	}
	if v := gaugeValue(t, "gauge_database"); v != 0 {
		t.Fatalf("expected gauge_database down, got %v", v)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register(fmt.Sprintf("checker%d", n), Auxiliary, pass)
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Check(context.Background())
		}()
	}
	wg.Wait()

	if n := len(r.Check(context.Background()).Statuses); n != 10 {
		t.Fatalf("expected 10 checks, got %d", n)
	}
}

func TestRPCChecker(t *testing.T) {
	gw := chaintest.NewGateway()
	op := chaintest.Address("operator")

	// Missing account still means the node answered.
	if s := RPCChecker(gw, op)(context.Background()); !s.Healthy {
		t.Fatalf("expected healthy, got %+v", s)
	}

	gw.AccountErrs[op] = errors.New("connection refused")
	s := RPCChecker(gw, op)(context.Background())
	if s.Healthy || s.Name != "rpc" {
		t.Fatalf("expected unhealthy rpc, got %+v", s)
	}
}

func TestRegistryChecker(t *testing.T) {
	ok := RegistryChecker(LoaderFunc(func(context.Context) error { return nil }))
	if s := ok(context.Background()); !s.Healthy {
		t.Fatalf("expected healthy, got %+v", s)
	}
	bad := RegistryChecker(LoaderFunc(func(context.Context) error { return errors.New("corrupt registry") }))
	if s := bad(context.Background()); s.Healthy || s.Detail != "corrupt registry" {
		t.Fatalf("expected unhealthy with detail, got %+v", s)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestDatabaseChecker(t *testing.T) {
	s := DatabaseChecker(pingFunc(func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected a deadline on the ping context")
		}
		return errors.New("timeout")
	}))(context.Background())
	if s.Healthy || s.Name != "database" {
		t.Fatalf("expected unhealthy database, got %+v", s)
	}
}

type fakeCircuits []string

func (f fakeCircuits) Open() []string { return append([]string(nil), f...) }

func TestBreakerChecker(t *testing.T) {
	if st := BreakerChecker(fakeCircuits(nil))(context.Background()); !st.Healthy {
		t.Fatalf("no open circuits should be healthy: %+v", st)
	}
	st := BreakerChecker(fakeCircuits{"getTransaction", "getAccountInfo"})(context.Background())
	if st.Healthy {
		t.Fatal("open circuits should be unhealthy")
	}
	if st.Detail != "open: getAccountInfo, getTransaction" {
		t.Fatalf("unexpected detail %q", st.Detail)
	}
}
