package topic

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filters(subs []Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Filter)
	}
	return out
}

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		filter string
		valid  bool
	}{
		{"a/b/c", true},
		{"a/+/c", true},
		{"a/#", true},
		{"#", true},
		{"+", true},
		{"/", true},
		{"+/+/#", true},
		{"$SYS/#", true},
		{"", false},
		{"a/#/b", false},
		{"a/b#", false},
		{"a/b+/c", false},
		{"#/a", false},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			err := ValidateFilter(tt.filter)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidFilter)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("a/b"))
	assert.ErrorIs(t, ValidateName(""), ErrInvalidName)
	assert.ErrorIs(t, ValidateName("a/+"), ErrInvalidName)
}

func TestMatchSingle(t *testing.T) {
	tests := []struct {
		filter, name string
		want         bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "A/b", false},
		{"a/+", "a/b", true},
		{"a/+", "a/b/c", false},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"#", "$SYS/x", false},
		{"+/x", "$SYS/x", false},
		{"$SYS/#", "$SYS/x", true},
		{"a/b/c", "a/b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.filter, tt.name), "%s ~ %s", tt.filter, tt.name)
	}
}

func TestSubs(t *testing.T) {
	s := NewSubs()
	replaced, err := s.Add(Subscription{Filter: "a/+/c", QoS: 1})
	require.NoError(t, err)
	assert.False(t, replaced)
	_, err = s.Add(Subscription{Filter: "a/#", QoS: 2})
	require.NoError(t, err)

	t.Run("overlapping", func(t *testing.T) {
		m := s.Match("a/b/c")
		assert.Equal(t, []string{"a/+/c", "a/#"}, filters(m))
		assert.Equal(t, uint8(2), MaxQoS(m))
	})
	t.Run("parent level", func(t *testing.T) {
		assert.Equal(t, []string{"a/#"}, filters(s.Match("a/b")))
		assert.Equal(t, []string{"a/#"}, filters(s.Match("a")))
	})
	t.Run("case sensitive", func(t *testing.T) {
		assert.Empty(t, s.Match("A/b/c"))
	})
	t.Run("invalid", func(t *testing.T) {
		_, err := s.Add(Subscription{Filter: "a/#/b"})
		assert.ErrorIs(t, err, ErrInvalidFilter)
		assert.Equal(t, 2, s.Len())
	})
	t.Run("replace keeps order", func(t *testing.T) {
		replaced, err := s.Add(Subscription{Filter: "a/+/c", QoS: 0, Identifier: 7})
		require.NoError(t, err)
		assert.True(t, replaced)
		m := s.Match("a/b/c")
		require.Len(t, m, 2)
		assert.Equal(t, "a/+/c", m[0].Filter)
		assert.Equal(t, uint32(7), m[0].Identifier)
		assert.Equal(t, 2, s.Len())
	})
	t.Run("remove", func(t *testing.T) {
		assert.False(t, s.Remove("a/b"))
		assert.True(t, s.Remove("a/#"))
		assert.False(t, s.Remove("a/#"))
		assert.Equal(t, []string{"a/+/c"}, filters(s.Filters()))
		assert.Empty(t, s.Match("a/b"))
	})
}

func TestSubsDollar(t *testing.T) {
	s := NewSubs()
	for _, f := range []string{"#", "+/info", "$SYS/#"} {
		_, err := s.Add(Subscription{Filter: f})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"$SYS/#"}, filters(s.Match("$SYS/info")))
	assert.Equal(t, []string{"#", "+/info"}, filters(s.Match("x/info")))
}

func TestSubsPrint(t *testing.T) {
	s := NewSubs()
	_, _ = s.Add(Subscription{Filter: "a/b", QoS: 1})
	var buf bytes.Buffer
	s.Print(&buf)
	assert.Equal(t, "a\n\tb (qos=1)\n", buf.String())
}

func TestSubsConcurrent(t *testing.T) {
	s := NewSubs()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = s.Add(Subscription{Filter: "x/+"})
				s.Match("x/y")
				s.Remove("x/+")
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Len(), 1)
}
