package idgen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeList struct{ counter int64 }

func (f fakeList) Counter() int64 { return f.counter }

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()

	gen, err := r.Lookup("autoIncIdGen")
	require.NoError(t, err)
	assert.Equal(t, int64(7), gen(nil, fakeList{counter: 7}))

	gen, err = r.Lookup("autoTimestamp")
	require.NoError(t, err)
	ts, ok := gen(nil, fakeList{}).(int64)
	require.True(t, ok)
	assert.InDelta(t, time.Now().UnixMilli(), ts, 1000)
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("doesNotExist")
	assert.Error(t, err)
}

func TestRegistryRegisterCustom(t *testing.T) {
	r := NewRegistry()
	r.Register("always42", func(map[string]interface{}, ListCounter) interface{} { return 42 })

	gen, err := r.Lookup("always42")
	require.NoError(t, err)
	assert.Equal(t, 42, gen(nil, fakeList{}))
}

func TestFresh(t *testing.T) {
	now := time.Now()
	old := now.Add(-time.Hour).UnixMilli()

	assert.True(t, Fresh(old, 0, now), "ttl<=0 disables expiry")
	assert.False(t, Fresh(old, time.Minute, now))
	assert.True(t, Fresh(now.UnixMilli(), time.Minute, now))
}
