package strategy

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

func TestOperationsStatus(t *testing.T) {
	s := NewOperationsStatus()

	for _, positionSide := range []domain.PositionSide{domain.PositionLong, domain.PositionShort} {
		for _, side := range []domain.OrderSide{domain.SideBuy, domain.SideSell} {
			assert.False(t, s.Get(positionSide, side))
		}
	}

	s.Set(domain.PositionLong, domain.SideBuy, true)
	assert.True(t, s.Get(domain.PositionLong, domain.SideBuy))
	assert.False(t, s.Get(domain.PositionLong, domain.SideSell))
	assert.False(t, s.Get(domain.PositionShort, domain.SideBuy))

	s.Set(domain.PositionLong, domain.SideBuy, false)
	assert.False(t, s.Get(domain.PositionLong, domain.SideBuy))
}

func TestRegistryResolvesRegisteredFactory(t *testing.T) {
	called := false
	Register("test_strategy", func(p Params) (Strategy, error) {
		called = true
		return nil, nil
	})

	factory, err := NewFactory("test_strategy")
	require.NoError(t, err)
	_, err = factory(Params{})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestRegistryDefaultAliases(t *testing.T) {
	Register("carga_descarga", func(p Params) (Strategy, error) { return nil, nil })

	for _, name := range []string{"", "default", "carga_descarga"} {
		_, err := NewFactory(name)
		assert.NoError(t, err, "name %q", name)
	}
}

func TestRegistryUnknownStrategy(t *testing.T) {
	_, err := NewFactory("does_not_exist")
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidRequest, domain.CodeOf(err))
}

func TestCycleDispatcherDelivers(t *testing.T) {
	d := NewCycleDispatcher(zerolog.Nop())

	var got []domain.Cycle
	d.AddCycleListener("BTCUSDT", func(c domain.Cycle) { got = append(got, c) })
	d.AddCycleListener("ETHUSDT", func(c domain.Cycle) { t.Fatal("wrong symbol listener invoked") })

	d.DispatchCycle(domain.Cycle{Symbol: "btcusdt", CycleID: "c1"})
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].CycleID)
}

func TestCycleDispatcherIsolatesPanics(t *testing.T) {
	d := NewCycleDispatcher(zerolog.Nop())

	var delivered int
	d.AddCycleListener("BTCUSDT", func(domain.Cycle) { panic("boom") })
	d.AddCycleListener("BTCUSDT", func(domain.Cycle) { delivered++ })

	d.DispatchCycle(domain.Cycle{Symbol: "BTCUSDT"})
	assert.Equal(t, 1, delivered)
}
