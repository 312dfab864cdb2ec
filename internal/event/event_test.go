package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Payed(t *testing.T) {
	raw := `{"eventType":"Payed","eventId":"e-1","timestamp":"20240105093000","orderId":1001,"userId":"u1","qty":3,"isMe":true}`

	ev, err := Decode([]byte(raw))
	require.NoError(t, err)

	p, ok := ev.(*Payed)
	require.True(t, ok, "expected *Payed, got %T", ev)
	assert.Equal(t, TypePayed, p.Type())
	assert.Equal(t, "e-1", p.ID())
	assert.Equal(t, int64(1001), p.OrderID)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, 3, p.Qty)
	assert.True(t, p.Owned())
	assert.Equal(t, "1001", p.PartitionKey())

	ts, ok := p.OccurredAt()
	require.True(t, ok)
	assert.Equal(t, 2024, ts.Year())
	assert.Equal(t, 9, ts.Hour())
}

func TestDecode_PointCancelled(t *testing.T) {
	raw := `{"eventType":"PointCancelled","eventId":"c-1","id":7,"orderId":1001,"userId":"u1","point":30}`

	ev, err := Decode([]byte(raw))
	require.NoError(t, err)

	c, ok := ev.(*PointCancelled)
	require.True(t, ok)
	assert.Equal(t, int64(7), c.GrantID)
	assert.Equal(t, int64(30), c.Point)
	assert.True(t, c.Owned(), "missing isMe defaults to owned")
}

func TestDecode_NotMine(t *testing.T) {
	ev, err := Decode([]byte(`{"eventType":"Payed","orderId":1,"userId":"u1","qty":1,"isMe":false}`))
	require.NoError(t, err)
	assert.False(t, ev.Owned())

	// other contexts' payloads are not validated against our rules
	ev, err = Decode([]byte(`{"eventType":"Payed","qty":-4,"isMe":false}`))
	require.NoError(t, err)
	assert.False(t, ev.Owned())
}

func TestDecode_UnknownType(t *testing.T) {
	raw := `{"eventType":"OrderPlaced","orderId":5}`
	ev, err := Decode([]byte(raw))
	require.NoError(t, err)

	u, ok := ev.(*Unknown)
	require.True(t, ok)
	assert.False(t, u.Owned())
	assert.Equal(t, "OrderPlaced", u.Type())
	assert.JSONEq(t, raw, u.String())
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"eventType":`,
		"no tag":          `{"orderId":1}`,
		"wrong types":     `{"eventType":"Payed","orderId":"abc","userId":"u1","qty":1}`,
		"negative qty":    `{"eventType":"Payed","orderId":1,"userId":"u1","qty":-1}`,
		"missing user":    `{"eventType":"Payed","orderId":1,"qty":1}`,
		"missing order":   `{"eventType":"PointCancelled","userId":"u1","point":10}`,
		"negative point":  `{"eventType":"PointCancelled","orderId":1,"userId":"u1","point":-10}`,
		"qty too large":   `{"eventType":"Payed","orderId":1,"userId":"u1","qty":100001}`,
		"point too large": `{"eventType":"PointCancelled","orderId":1,"userId":"u1","point":1000001}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestEncode_RoundTripsThroughDecode(t *testing.T) {
	src := NewPayed(42, "u9", 2)
	data, err := Encode(src)
	require.NoError(t, err)

	ev, err := Decode(data)
	require.NoError(t, err)
	p := ev.(*Payed)
	assert.Equal(t, src.EventID, p.EventID)
	assert.NotEmpty(t, p.EventID)
	assert.Equal(t, src.String(), p.String())
}
