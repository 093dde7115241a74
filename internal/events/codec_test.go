package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spec-kit/feedback-chat/internal/domain"
)

func TestEncodeFrame_WireShape(t *testing.T) {
	req := require.New(t)
	event := NewSeenEvent(domain.RoleAnonymous, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	event.Topic = TicketTopic("t1")

	frame, err := EncodeFrame(event)
	req.NoError(err)
	raw, err := json.Marshal(frame)
	req.NoError(err)
	req.JSONEq(`{"topic":"ticket:t1","kind":"seen","payload":{"role":"anonymous","at":"2024-01-02T03:04:05Z"}}`, string(raw))
}

func TestDecodeFrame(t *testing.T) {
	req := require.New(t)
	raw := `{"topic":"ticket:t1","kind":"message","payload":{"id":"m1","ticketId":"t1","authorId":null,"text":"hello","createdAt":"2024-01-02T03:04:05Z","seq":3}}`
	var frame Frame
	req.NoError(json.Unmarshal([]byte(raw), &frame))

	event, err := DecodeFrame(frame)
	req.NoError(err)
	req.Equal(KindMessage, event.Kind)
	msg := event.Message.ToMessage()
	req.Nil(msg.AuthorID)
	req.Equal(int64(3), msg.Seq)

	_, err = DecodeFrame(Frame{Kind: "typing", Payload: json.RawMessage(`{}`)})
	req.Error(err)

	errEvent, err := DecodeFrame(Frame{Topic: "party:s1", Kind: KindError, Payload: json.RawMessage(`"ticket is closed"`)})
	req.NoError(err)
	req.Equal("ticket is closed", errEvent.Error)
}
