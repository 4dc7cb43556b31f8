package threshold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFastScalpAnchors(t *testing.T) {
	curve := FastScalp()
	require.NoError(t, curve.Validate())

	assert.InDelta(t, 1.2, curve.At(0).TakeProfitPct, 1e-9)
	assert.InDelta(t, 0.8, curve.At(15).TakeProfitPct, 1e-9)
	assert.InDelta(t, 0.5, curve.At(50).TakeProfitPct, 1e-9)
}

func TestStabilityAnchors(t *testing.T) {
	curve := Stability()
	require.NoError(t, curve.Validate())

	at0 := curve.At(0)
	assert.InDelta(t, 35, at0.RSIBuy, 1e-9)
	assert.InDelta(t, 70, at0.RSISell, 1e-9)

	at60 := curve.At(60)
	assert.InDelta(t, 40, at60.RSIBuy, 1e-9)
	assert.InDelta(t, 68, at60.RSISell, 1e-9)
}

func TestLinearInterpolation(t *testing.T) {
	curve := FastScalp()

	// Halfway between the 0m and 15m anchors
	assert.InDelta(t, 1.0, curve.At(7.5).TakeProfitPct, 1e-9)

	// Stability RSI band narrows linearly
	mid := Stability().At(30)
	assert.InDelta(t, 37.5, mid.RSIBuy, 1e-9)
	assert.InDelta(t, 69, mid.RSISell, 1e-9)
}

func TestClampBeyondLastBreakpoint(t *testing.T) {
	curve := FastScalp()

	at50 := curve.At(50)
	assert.Equal(t, at50, curve.At(51))
	assert.Equal(t, at50, curve.At(10000))
}

func TestClampBeforeFirstBreakpoint(t *testing.T) {
	curve := Curve{
		{AtMinute: 10, TakeProfitPct: 1.0, StopLossPct: 0.5, RSIBuy: 30, RSISell: 70},
		{AtMinute: 20, TakeProfitPct: 0.5, StopLossPct: 0.5, RSIBuy: 30, RSISell: 70},
	}
	assert.Equal(t, curve.At(10), curve.At(0))
	assert.Equal(t, curve.At(10), curve.At(-5))
}

func TestTakeProfitMonotonicallyNonIncreasing(t *testing.T) {
	curve := FastScalp()
	prev := curve.At(0).TakeProfitPct
	for m := 1.0; m <= 60; m++ {
		cur := curve.At(m).TakeProfitPct
		assert.LessOrEqual(t, cur, prev, "take profit must not increase with position age (minute %.0f)", m)
		prev = cur
	}
}

func TestFlatCurve(t *testing.T) {
	curve := Flat(1.5, 1.0, 32, 68)
	require.NoError(t, curve.Validate())

	for _, m := range []float64{0, 5, 500} {
		th := curve.At(m)
		assert.InDelta(t, 1.5, th.TakeProfitPct, 1e-9)
		assert.InDelta(t, 1.0, th.StopLossPct, 1e-9)
		assert.InDelta(t, 32, th.RSIBuy, 1e-9)
		assert.InDelta(t, 68, th.RSISell, 1e-9)
	}
}

func TestValidateRejectsBadCurves(t *testing.T) {
	assert.Error(t, Curve{}.Validate())

	unsorted := Curve{
		{AtMinute: 10, TakeProfitPct: 1},
		{AtMinute: 5, TakeProfitPct: 1},
	}
	assert.Error(t, unsorted.Validate())

	duplicate := Curve{
		{AtMinute: 5, TakeProfitPct: 1},
		{AtMinute: 5, TakeProfitPct: 2},
	}
	assert.Error(t, duplicate.Validate())

	negative := Curve{{AtMinute: 0, TakeProfitPct: -1}}
	assert.Error(t, negative.Validate())
}

func TestNamedPresets(t *testing.T) {
	assert.NotNil(t, Named("fast_scalp"))
	assert.NotNil(t, Named("stability"))
	assert.Nil(t, Named("does_not_exist"))
}
