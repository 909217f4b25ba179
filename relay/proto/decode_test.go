package proto

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReq(t *testing.T) {
	raw := `["REQ", "sub1", {"kinds":[1]}, {"authors":["abc"]}]`
	msg, err := Decode([]byte(raw))
	require.NoError(t, err)

	req, ok := msg.(*ReqMessage)
	require.True(t, ok)
	assert.Equal(t, "sub1", req.SubscriptionID)
	assert.Len(t, req.Filters, 2)
	assert.Zero(t, req.DroppedFilters)
}

func TestDecodeReqBadFilterDoesNotAbortSiblings(t *testing.T) {
	raw := `["REQ", "sub1", "not-a-filter", {"kinds":[1]}]`
	msg, err := Decode([]byte(raw))
	require.NoError(t, err)

	req := msg.(*ReqMessage)
	assert.Len(t, req.Filters, 1)
	assert.Equal(t, 1, req.DroppedFilters)
}

func TestDecodeReqNullFilterIsDropped(t *testing.T) {
	// null must not register as the match-everything empty filter.
	msg, err := Decode([]byte(`["REQ", "sub1", null, {"kinds":[1]}]`))
	require.NoError(t, err)

	req := msg.(*ReqMessage)
	assert.Len(t, req.Filters, 1)
	assert.Equal(t, 1, req.DroppedFilters)
	assert.Equal(t, []int{1}, req.Filters[0].Kinds)

	_, err = Decode([]byte(`["REQ", "sub1", null]`))
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
}

func TestDecodeReqMalformed(t *testing.T) {
	cases := map[string]string{
		"missing subscription id":  `["REQ"]`,
		"non-string subscription":  `["REQ", 42, {}]`,
		"empty subscription id":    `["REQ", "", {}]`,
		"no filters":               `["REQ", "sub1"]`,
		"no decodable filters":     `["REQ", "sub1", "nope"]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			assert.True(t, IsProtocolError(err))
		})
	}
}

func TestDecodeClose(t *testing.T) {
	msg, err := Decode([]byte(`["CLOSE", "sub1"]`))
	require.NoError(t, err)
	require.Equal(t, "sub1", msg.(*CloseMessage).SubscriptionID)

	// Trailing elements are ignored.
	msg, err = Decode([]byte(`["CLOSE", "sub2", "extra", 42]`))
	require.NoError(t, err)
	require.Equal(t, "sub2", msg.(*CloseMessage).SubscriptionID)
}

func TestDecodeEvent(t *testing.T) {
	raw := `["EVENT", {"id":"aa","pubkey":"bb","kind":1,"created_at":1700000000,"tags":[["e","abc"]],"content":"hi","sig":"cc"}]`
	msg, err := Decode([]byte(raw))
	require.NoError(t, err)

	ev := msg.(*EventMessage).Event
	assert.Equal(t, "aa", ev.ID)
	assert.Equal(t, 1, ev.Kind)
	assert.Equal(t, int64(1700000000), ev.CreatedAt)

	_, err = Decode([]byte(`["EVENT"]`))
	require.Error(t, err)
	_, err = Decode([]byte(`["EVENT", {}, {}]`))
	require.Error(t, err)
}

func TestDecodeUnknownVerb(t *testing.T) {
	_, err := Decode([]byte(`["AUTH", "challenge"]`))
	require.Error(t, err)
	require.True(t, IsProtocolError(err))
	assert.Contains(t, err.Error(), "unknown verb")
}

func TestDecodeGarbage(t *testing.T) {
	for _, raw := range []string{`{}`, `[]`, `[42]`, `not json`} {
		_, err := Decode([]byte(raw))
		require.Error(t, err, "raw: %s", raw)
		assert.True(t, IsProtocolError(err))
	}
}

func TestClientInfoFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Origin", "https://example.com")
	r.Header.Set("X-Real-IP", "203.0.113.7")

	info := ClientInfoFromRequest(r)
	assert.Equal(t, "https://example.com", info.Origin)
	assert.Len(t, info.Identity, 64)
	assert.NotContains(t, info.Identity, "203.0.113.7")
}

func TestClientInfoFallbacks(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Referer", "https://ref.example.com")
	r.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")

	info := ClientInfoFromRequest(r)
	assert.Equal(t, "https://ref.example.com", info.Origin)

	// Same first hop hashes identically regardless of the chain tail.
	r2 := httptest.NewRequest("GET", "/", nil)
	r2.Header.Set("X-Forwarded-For", "198.51.100.4")
	assert.Equal(t, ClientInfoFromRequest(r2).Identity, info.Identity)

	// No forwarding headers at all: falls back to the remote address,
	// still hashed.
	r3 := httptest.NewRequest("GET", "/", nil)
	info3 := ClientInfoFromRequest(r3)
	assert.Len(t, info3.Identity, 64)
	assert.False(t, strings.Contains(info3.Identity, ":"))
}
