package ingest

import (
	"context"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mbd888/korarent/internal/chain/chaintest"
	"github.com/mbd888/korarent/internal/registry"
)

// Property: replaying the full history a second time, as a lost watermark
// would, changes neither the account set nor the lifetime counters.
func TestProperty_IdempotentIngestion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("second pass adds nothing", prop.ForAll(
		func(n uint8) bool {
			gw := chaintest.NewGateway()
			seed(gw, 1, int(n%20))
			reg := registry.New(operator)
			in := New(gw, nil, testConfig(), quiet)

			if _, err := in.Run(context.Background(), reg, 1000, nil, nil); err != nil {
				return false
			}
			metrics := reg.Metrics
			accounts := reg.List(registry.Filter{})

			reg.LastProcessedSignature = ""
			res, err := in.Run(context.Background(), reg, 1000, nil, nil)
			if err != nil {
				return false
			}
			return res.NewFound == 0 &&
				reg.Metrics == metrics &&
				reflect.DeepEqual(accounts, reg.List(registry.Filter{}))
		},
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
