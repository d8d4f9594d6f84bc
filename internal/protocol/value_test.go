package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawbridge/internal/protocol"
)

func TestParseValue_VariantOrder(t *testing.T) {
	cases := []struct {
		in   string
		kind protocol.Kind
	}{
		{`null`, protocol.KindNull},
		{`true`, protocol.KindBool},
		{`42`, protocol.KindInt},
		{`-7`, protocol.KindInt},
		{`4.5`, protocol.KindFloat},
		{`3.0`, protocol.KindFloat},
		{`1e3`, protocol.KindFloat},
		{`"hi"`, protocol.KindString},
		{`[1,"a",null]`, protocol.KindArray},
		{`{"a":{"b":[true]}}`, protocol.KindObject},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			v, err := protocol.ParseValue([]byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, v.Kind())
		})
	}
}

func TestParseValue_UnrepresentableLeafFallsBackToNull(t *testing.T) {
	v, err := protocol.ParseValue([]byte(`{"huge":1e400,"name":"ok"}`))
	require.NoError(t, err)

	assert.True(t, v.Get("huge").IsNull())
	assert.Equal(t, "ok", v.Str("name"))
}

func TestParseValue_DeepNestingIsLinear(t *testing.T) {
	const depth = 2000
	doc := strings.Repeat("[", depth) + "1" + strings.Repeat("]", depth)

	start := time.Now()
	v, err := protocol.ParseValue([]byte(doc))
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Less(t, elapsed, 100*time.Millisecond)

	for range depth {
		require.Equal(t, protocol.KindArray, v.Kind())
		require.Equal(t, 1, v.Len())
		v = v.Index(0)
	}
	n, ok := v.AsInt()
	assert.True(t, ok)
	assert.EqualValues(t, 1, n)
}

func TestParseValue_EmptyContainers(t *testing.T) {
	v, err := protocol.ParseValue([]byte(`{"list":[],"obj":{},"nested":[{}]}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindArray, v.Get("list").Kind())
	assert.Zero(t, v.Get("list").Len())
	assert.Equal(t, protocol.KindObject, v.Get("obj").Kind())
	assert.Equal(t, protocol.KindObject, v.Get("nested").Index(0).Kind())
}

func TestParseValue_RejectsSyntaxErrors(t *testing.T) {
	_, err := protocol.ParseValue([]byte(`{"a":`))
	require.ErrorIs(t, err, protocol.ErrInvalidJSON)
}

func TestValue_Accessors(t *testing.T) {
	v, err := protocol.ParseValue([]byte(`{"n":50,"f":50.0,"g":2.5,"list":["x","y"],"s":"str"}`))
	require.NoError(t, err)

	n, ok := v.Get("n").AsInt()
	assert.True(t, ok)
	assert.EqualValues(t, 50, n)

	n, ok = v.Get("f").AsInt()
	assert.True(t, ok, "integral floats read as ints")
	assert.EqualValues(t, 50, n)

	_, ok = v.Get("g").AsInt()
	assert.False(t, ok)

	assert.Equal(t, 2, v.Get("list").Len())
	assert.Equal(t, protocol.String("y"), v.Get("list").Index(1))
	assert.True(t, v.Get("list").Index(5).IsNull())
	assert.True(t, v.Get("missing").Get("deeper").IsNull())

	_, ok = v.Get("s").AsInt()
	assert.False(t, ok)
}

func TestValue_MarshalRoundTrip(t *testing.T) {
	in := `{"a":[1,2.5,"three",false,null],"b":{"c":"d"}}`
	v, err := protocol.ParseValue([]byte(in))
	require.NoError(t, err)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))

	again, err := protocol.ParseValue(out)
	require.NoError(t, err)
	if diff := cmp.Diff(v, again); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValueOf(t *testing.T) {
	v, err := protocol.ValueOf(protocol.ChatHistoryParams{SessionKey: "main", Limit: 10})
	require.NoError(t, err)

	want := protocol.Object(map[string]protocol.Value{
		"sessionKey": protocol.String("main"),
		"limit":      protocol.Int(10),
	})
	if diff := cmp.Diff(want, v); diff != "" {
		t.Fatalf("ValueOf mismatch (-want +got):\n%s", diff)
	}
}
