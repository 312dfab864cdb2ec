package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Event type tags carried in the eventType discriminator.
const (
	TypePayed          = "Payed"
	TypePointCancelled = "PointCancelled"
)

// Upper bounds on amounts. Anything larger is a producer bug, not an order.
const (
	MaxQty   = 100_000
	MaxPoint = 1_000_000
)

// timestampLayout is what upstream producers stamp on events.
const timestampLayout = "20060102150405"

// ErrMalformedEvent is returned when a payload cannot be decoded into a known shape.
var ErrMalformedEvent = errors.New("malformed event")

// Event is the closed set of variants flowing over the bus.
type Event interface {
	Type() string
	ID() string
	// PartitionKey is the order id, the key producers partition by.
	PartitionKey() string
	// Owned reports whether the event is scoped to the point service.
	Owned() bool
	String() string
}

// Envelope holds the fields every event carries.
type Envelope struct {
	EventID   string `json:"eventId,omitempty"`
	EventType string `json:"eventType"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (e Envelope) Type() string { return e.EventType }
func (e Envelope) ID() string   { return e.EventID }

// OccurredAt parses the timestamp in either the upstream layout or RFC3339.
func (e Envelope) OccurredAt() (time.Time, bool) {
	if e.Timestamp == "" {
		return time.Time{}, false
	}
	if t, err := time.ParseInLocation(timestampLayout, e.Timestamp, time.Local); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func newEnvelope(eventType string) Envelope {
	return Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().Format(timestampLayout),
	}
}

// Payed is published by the payment service once per successful payment.
type Payed struct {
	Envelope
	OrderID int64  `json:"orderId"`
	UserID  string `json:"userId"`
	Qty     int    `json:"qty"`
	IsMe    *bool  `json:"isMe,omitempty"`
}

// NewPayed returns a Payed event with a fresh event id.
func NewPayed(orderID int64, userID string, qty int) *Payed {
	return &Payed{Envelope: newEnvelope(TypePayed), OrderID: orderID, UserID: userID, Qty: qty}
}

func (p *Payed) PartitionKey() string { return strconv.FormatInt(p.OrderID, 10) }
func (p *Payed) Owned() bool          { return owned(p.IsMe) }
func (p *Payed) String() string       { return canonical(p) }

func (p *Payed) validate() error {
	if p.OrderID <= 0 {
		return fmt.Errorf("%w: %s: orderId must be positive", ErrMalformedEvent, TypePayed)
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: %s: userId is required", ErrMalformedEvent, TypePayed)
	}
	if p.Qty < 0 || p.Qty > MaxQty {
		return fmt.Errorf("%w: %s: qty must be within 0..%d", ErrMalformedEvent, TypePayed, MaxQty)
	}
	return nil
}

// PointCancelled is published once per cancelled order that had a grant.
// GrantID references the ledger row to reverse, zero when unknown.
type PointCancelled struct {
	Envelope
	GrantID int64  `json:"id"`
	OrderID int64  `json:"orderId"`
	UserID  string `json:"userId"`
	Point   int64  `json:"point"`
	IsMe    *bool  `json:"isMe,omitempty"`
}

// NewPointCancelled returns a PointCancelled event with a fresh event id.
func NewPointCancelled(grantID, orderID int64, userID string, point int64) *PointCancelled {
	return &PointCancelled{
		Envelope: newEnvelope(TypePointCancelled),
		GrantID:  grantID,
		OrderID:  orderID,
		UserID:   userID,
		Point:    point,
	}
}

func (c *PointCancelled) PartitionKey() string { return strconv.FormatInt(c.OrderID, 10) }
func (c *PointCancelled) Owned() bool          { return owned(c.IsMe) }
func (c *PointCancelled) String() string       { return canonical(c) }

func (c *PointCancelled) validate() error {
	if c.OrderID <= 0 {
		return fmt.Errorf("%w: %s: orderId must be positive", ErrMalformedEvent, TypePointCancelled)
	}
	if c.UserID == "" {
		return fmt.Errorf("%w: %s: userId is required", ErrMalformedEvent, TypePointCancelled)
	}
	if c.Point < 0 || c.Point > MaxPoint {
		return fmt.Errorf("%w: %s: point must be within 0..%d", ErrMalformedEvent, TypePointCancelled, MaxPoint)
	}
	return nil
}

// Unknown is any well-formed event whose tag this service does not handle.
type Unknown struct {
	Envelope
	Raw json.RawMessage `json:"-"`
}

func (u *Unknown) PartitionKey() string { return "" }
func (u *Unknown) Owned() bool          { return false }
func (u *Unknown) String() string       { return string(u.Raw) }

// Decode reads the eventType discriminator and decodes the matching variant.
// Owned events are validated; events for other contexts are passed through as is.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("%w: missing eventType", ErrMalformedEvent)
	}

	var (
		ev       Event
		validate func() error
	)
	switch env.EventType {
	case TypePayed:
		p := &Payed{}
		ev, validate = p, p.validate
	case TypePointCancelled:
		c := &PointCancelled{}
		ev, validate = c, c.validate
	default:
		return &Unknown{Envelope: env, Raw: append(json.RawMessage(nil), data...)}, nil
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.EventType, err)
	}
	if ev.Owned() {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// Encode renders an event in its wire form.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func owned(isMe *bool) bool {
	return isMe == nil || *isMe
}

func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}
