package chatsync

import (
	"context"
	"fmt"
)

// sendAttempts bounds the send path's retry: one retry on a transient
// failure (connection error, 429, 5xx), then the error surfaces to the
// caller. Permanent 4xx failures surface immediately.
const sendAttempts = 2

// Send posts a message on this conversation. The caller sees an
// optimistic echo immediately through Emit (id-less, flagged
// unconfirmed); on success the confirmed copy with the server-assigned
// id and timestamp is emitted carrying the same LocalKey, which tells
// the renderer to replace the echo in place. The cursor advances to the
// confirmed timestamp so the next poll does not re-fetch the message.
//
// On failure the echo stays visible and unconfirmed, and the error is
// returned; polling state is unaffected.
//
// In the rare race where a poll delivers the server copy before the POST
// returns, nothing further is emitted (the id is already rendered) and
// the caller should drop the echo using the returned message's LocalKey.
func (p *Poller) Send(ctx context.Context, body string) (Message, error) {
	timestamp := Canonical(p.clockSync.AdjustedNow())
	optimistic := Message{
		RequestID:   p.conv.RequestID,
		SenderID:    p.conv.CurrentUserID,
		SenderType:  p.conv.CurrentUserType,
		Body:        body,
		Timestamp:   timestamp,
		LocalKey:    fmt.Sprintf("local_%d", p.clock.Now().UnixNano()),
		Unconfirmed: true,
	}
	p.emit(optimistic)

	outgoing := OutgoingMessage{
		SenderID:   optimistic.SenderID,
		SenderType: optimistic.SenderType,
		Body:       body,
		Timestamp:  timestamp,
	}

	var receipt SendReceipt
	var err error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return optimistic, ctx.Err()
			case <-p.clock.After(p.cfg.BaseBackoff):
			}
			p.logger.Warn("transient send failure, retrying", "attempt", attempt+1, "error", err)
		}
		receipt, err = p.channel.Send(ctx, p.conv.RequestID, outgoing)
		if err == nil {
			break
		}
		if !IsTransient(err) {
			return optimistic, err
		}
	}
	if err != nil {
		return optimistic, err
	}

	confirmed := optimistic
	confirmed.ID = receipt.ID
	confirmed.Timestamp = p.normalizer.Normalize(receipt.Timestamp)
	confirmed.Unconfirmed = false
	p.cursor.Advance(confirmed.Timestamp)
	if p.dedup.ShouldRender(confirmed) {
		p.emit(confirmed)
	}
	return confirmed, nil
}
