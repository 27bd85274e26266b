package ema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimezoneCorrect(t *testing.T) {
	t.Run("UTC", func(t *testing.T) {
		tz := Timezone{Offset: 8 * time.Hour, Local: time.UTC}
		got := tz.Correct(1720800295000)
		assert.Equal(t, int64(1720800295000+28800000), got.UnixMilli())
		assert.Equal(t, time.UTC, got.Location())
	})

	t.Run("LocalOffsetSubtracted", func(t *testing.T) {
		paris, err := time.LoadLocation("Europe/Paris")
		require.NoError(t, err)
		tz := Timezone{Offset: 8 * time.Hour, Local: paris}
		// July: Paris is UTC+2 so only 6 hours are added
		got := tz.Correct(1720800295000)
		assert.Equal(t, int64(1720800295000+6*3600*1000), got.UnixMilli())
		assert.Equal(t, paris, got.Location())
	})

	t.Run("FixedZone", func(t *testing.T) {
		tz := Timezone{Offset: 8 * time.Hour, Local: time.FixedZone("CST", 8*3600)}
		assert.Equal(t, int64(1720800295000), tz.Correct(1720800295000).UnixMilli())
	})

	t.Run("NilLocation", func(t *testing.T) {
		tz := Timezone{Offset: DefaultVendorOffset}
		assert.Equal(t, time.Local, tz.Correct(0).Location())
	})
}

func TestTimezoneParse(t *testing.T) {
	tz := Timezone{Offset: 8 * time.Hour, Local: time.UTC}

	got, err := tz.Parse(" 1720800295000 ")
	require.NoError(t, err)
	assert.Equal(t, int64(1720800295000+28800000), got.UnixMilli())

	_, err = tz.Parse("12:05")
	assert.ErrorIs(t, err, ErrUpstreamFormat)
}
