// Package signaling implements the durable, observable mailbox two call
// parties use to exchange session descriptions and ICE candidates before any
// direct connection exists.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"unitynets-realtime/internal/domain/signal"
	"unitynets-realtime/internal/realtime"
	"unitynets-realtime/internal/repository"
	unity_errors "unitynets-realtime/pkg/errors"
	"unitynets-realtime/pkg/events"
	"unitynets-realtime/pkg/logger"
)

// CallLogger appends call lifecycle messages to the conversation transcript.
// Optional; wired to the chat layer in cmd/api.
type CallLogger interface {
	CallStarted(ctx context.Context, s signal.CallSignal) error
	CallEnded(ctx context.Context, s signal.CallSignal) error
}

type Channel struct {
	repo    repository.SignalRepository
	users   repository.UserRepository
	feed    *realtime.Feed
	callLog CallLogger
	log     *logger.Logger
}

func NewChannel(repo repository.SignalRepository, users repository.UserRepository, feed *realtime.Feed, log *logger.Logger) *Channel {
	if log == nil {
		log = logger.NewNop()
	}
	return &Channel{repo: repo, users: users, feed: feed, log: log}
}

// SetCallLogger attaches the transcript writer. Separate from the
// constructor to break the signaling -> chat -> signaling wiring cycle.
func (c *Channel) SetCallLogger(cl CallLogger) {
	c.callLog = cl
}

// CreateSignal inserts a new RINGING row for one call attempt. Failure here
// means the call could not be started.
func (c *Channel) CreateSignal(ctx context.Context, conversationID, callerID, receiverID uuid.UUID, callType signal.CallType) (uuid.UUID, error) {
	if callerID == receiverID || callerID == uuid.Nil || receiverID == uuid.Nil {
		return uuid.Nil, unity_errors.ErrInvalidInput
	}
	for _, id := range []uuid.UUID{callerID, receiverID} {
		ok, err := c.users.Exists(ctx, id)
		if err != nil {
			return uuid.Nil, err
		}
		if !ok {
			return uuid.Nil, unity_errors.ErrInvalidInput
		}
	}

	s := &signal.CallSignal{
		ID:             uuid.New(),
		ConversationID: conversationID,
		CallerID:       callerID,
		ReceiverID:     receiverID,
		CallType:       callType,
		Status:         signal.StatusRinging,
	}
	if err := c.repo.Create(ctx, s); err != nil {
		return uuid.Nil, err
	}
	c.publish(ctx, realtime.EventSignalCreated, *s)
	return s.ID, nil
}

func (c *Channel) GetSignal(ctx context.Context, signalID uuid.UUID) (signal.CallSignal, error) {
	return c.repo.GetByID(ctx, signalID)
}

// WriteOffer merges the offer into signal_data. Write-once: a second offer on
// the same signal is a bug on the caller's side.
func (c *Channel) WriteOffer(ctx context.Context, signalID uuid.UUID, offer signal.SessionDescription) error {
	s, err := c.repo.MergeSignalData(ctx, signalID, func(d *signal.Data) error {
		if d.Offer != nil {
			return unity_errors.ErrAlreadyExists
		}
		d.Offer = &offer
		return nil
	})
	if err != nil {
		return writeErr(err)
	}
	c.publish(ctx, realtime.EventSignalUpdated, s)
	return nil
}

// WriteAnswer merges the answer. An answer can only ever follow an offer.
func (c *Channel) WriteAnswer(ctx context.Context, signalID uuid.UUID, answer signal.SessionDescription) error {
	s, err := c.repo.MergeSignalData(ctx, signalID, func(d *signal.Data) error {
		if d.Offer == nil {
			return unity_errors.ErrAnswerWithoutOffer
		}
		if d.Answer != nil {
			return unity_errors.ErrAlreadyExists
		}
		d.Answer = &answer
		return nil
	})
	if err != nil {
		return writeErr(err)
	}
	c.publish(ctx, realtime.EventSignalUpdated, s)
	return nil
}

// AppendCandidate adds one ICE candidate to the accumulating list. Same
// read-modify-write discipline as offer/answer: the repository re-reads the
// current document before writing so concurrent appends from both ends
// cannot clobber each other.
func (c *Channel) AppendCandidate(ctx context.Context, signalID uuid.UUID, candidate signal.ICECandidate) error {
	s, err := c.repo.MergeSignalData(ctx, signalID, func(d *signal.Data) error {
		d.Candidates = append(d.Candidates, candidate)
		return nil
	})
	if err != nil {
		return writeErr(err)
	}
	c.publish(ctx, realtime.EventSignalUpdated, s)
	return nil
}

// UpdateStatus applies a monotonic status transition and notifies both
// parties. Transitions out of a terminal status fail with ErrTerminalSignal.
func (c *Channel) UpdateStatus(ctx context.Context, signalID uuid.UUID, status signal.Status) error {
	s, err := c.repo.UpdateStatus(ctx, signalID, status)
	if err != nil {
		return writeErr(err)
	}
	c.publish(ctx, realtime.EventSignalUpdated, s)

	if c.callLog != nil {
		var logErr error
		switch {
		case status == signal.StatusAccepted:
			logErr = c.callLog.CallStarted(ctx, s)
		case status.IsTerminal():
			logErr = c.callLog.CallEnded(ctx, s)
		}
		if logErr != nil {
			c.log.Warnf("signaling: call log append failed: %v", logErr)
		}
	}
	return nil
}

// ObserveForUser subscribes to signal events addressed to userID and feeds
// decoded rows to handler until ctx is cancelled. Both roles ride the same
// channel; role filtering happens in the controller, which reacts to RINGING
// inserts as the receiver and to ACCEPTED/terminal updates as the caller.
func (c *Channel) ObserveForUser(ctx context.Context, userID uuid.UUID, handler func(eventType string, s signal.CallSignal)) error {
	pattern := realtime.UserSignalChannel(userID)
	return c.feed.Subscribe(ctx, []string{pattern}, func(ctx context.Context, channel string, e events.Event) error {
		var s signal.CallSignal
		if err := realtime.DecodePayload(e, &s); err != nil {
			return err
		}
		handler(e.Type, s)
		return nil
	})
}

// writeErr keeps invariant violations intact and wraps everything else in
// ErrSignalWrite, so callers can tell store trouble from protocol misuse.
func writeErr(err error) error {
	for _, sentinel := range []error{
		unity_errors.ErrNotFound,
		unity_errors.ErrTerminalSignal,
		unity_errors.ErrAlreadyExists,
		unity_errors.ErrAnswerWithoutOffer,
		unity_errors.ErrInvalidTransition,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", unity_errors.ErrSignalWrite, err)
}

func (c *Channel) publish(ctx context.Context, eventType string, s signal.CallSignal) {
	for _, target := range []uuid.UUID{s.CallerID, s.ReceiverID} {
		if err := c.feed.Publish(ctx, realtime.UserSignalChannel(target), eventType, s); err != nil {
			c.log.ErrorCtx(ctx, "signaling: publish failed",
				zap.String("signal_id", s.ID.String()),
				zap.String("event", eventType),
				zap.Error(err))
		}
	}
}
