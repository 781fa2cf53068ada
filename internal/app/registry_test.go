package app_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/Ring/internal/app"
	"github.com/dkeye/Ring/internal/core/coretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterReplaces(t *testing.T) {
	reg := app.NewRegistry(nil)
	c1, c2 := coretest.NewConn("c1"), coretest.NewConn("c2")

	prev, replaced := reg.Register("u1", c1)
	assert.Nil(t, prev)
	assert.False(t, replaced)

	prev, replaced = reg.Register("u1", c2)
	assert.True(t, replaced)
	require.NotNil(t, prev)
	assert.Equal(t, c1.ID(), prev.ID())
	assert.False(t, c1.Closed(), "displaced connection must not be closed")

	got, ok := reg.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, c2.ID(), got.ID())
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryReRegisterSameConnection(t *testing.T) {
	reg := app.NewRegistry(nil)
	c1 := coretest.NewConn("c1")
	reg.Register("u1", c1)

	prev, replaced := reg.Register("u1", c1)

	assert.Nil(t, prev)
	assert.False(t, replaced)
}

func TestRegistryUnregisterOnlyOwner(t *testing.T) {
	tests := []struct {
		name      string
		unregBy   string
		wantOK    bool
		wantOwner string
	}{
		{name: "given stale connection when unregister then mapping kept", unregBy: "c1", wantOK: false, wantOwner: "c2"},
		{name: "given owner connection when unregister then mapping removed", unregBy: "c2", wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := app.NewRegistry(nil)
			conns := map[string]*coretest.Conn{"c1": coretest.NewConn("c1"), "c2": coretest.NewConn("c2")}
			reg.Register("u1", conns["c1"])
			reg.Register("u1", conns["c2"])

			assert.Equal(t, tt.wantOK, reg.Unregister("u1", conns[tt.unregBy]))

			got, ok := reg.Lookup("u1")
			if tt.wantOwner == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.wantOwner, string(got.ID()))
		})
	}
}

func TestRegistryConcurrentRegistrationsKeepOne(t *testing.T) {
	reg := app.NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := coretest.NewConn(fmt.Sprintf("c%d", i))
			reg.Register("u1", c)
			if i%2 == 0 {
				reg.Unregister("u1", c)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, reg.Count(), 1)
}
