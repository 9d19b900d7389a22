package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/lukw00heck/av-service/internal/store"
	"github.com/lukw00heck/av-service/pkg/proto"
)

// OnMessage is the transport callback for every inbound envelope.
//
// Replies are handed to the correlator. Requests are answered on the
// calling goroutine; a failing or panicking request is logged and answered
// with FAILED so the transport's delivery loop is never disturbed.
func (s *Service) OnMessage(msg *proto.ReplicationMessage) {
	if msg == nil {
		return
	}
	s.receivedCount.Add(1)
	s.metrics.MessageReceived(string(msg.Command), msg.IsReply())

	if msg.IsReply() {
		if msg.ToID != "" && msg.ToID != s.nodeID {
			return
		}
		s.correlator.Deliver(msg)
		return
	}

	// Own broadcasts and unicasts for other nodes
	if msg.FromID == s.nodeID {
		return
	}
	if msg.Routing == proto.RoutingUnicast && msg.ToID != s.nodeID {
		return
	}

	if !s.limiter.Allow() {
		s.rateLimited.Add(1)
		s.metrics.RateLimit()
		s.logger.Warn().
			Str("from", msg.FromID).
			Str("command", string(msg.Command)).
			Msg("Rate limit exceeded, rejecting replication request")
		s.reply(msg, proto.StatusFailed, nil)
		return
	}

	status, file := s.handleRequest(msg)
	if status == proto.StatusNone {
		return
	}
	s.reply(msg, status, file)
}

// handleRequest runs one request, converting errors and panics into FAILED.
func (s *Service) handleRequest(msg *proto.ReplicationMessage) (status proto.Status, file *proto.FileMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.handlerErrors.Add(1)
			s.metrics.HandlerError()
			s.logger.Error().
				Interface("panic", r).
				Str("from", msg.FromID).
				Str("command", string(msg.Command)).
				Msg("replication handler panicked")
			status, file = proto.StatusFailed, nil
		}
	}()

	status, file, err := s.dispatch(context.Background(), msg)
	if err != nil {
		s.handlerErrors.Add(1)
		s.metrics.HandlerError()
		s.logger.Warn().
			Err(err).
			Str("from", msg.FromID).
			Str("id", msg.ID).
			Str("command", string(msg.Command)).
			Msg("replication request failed")
		return proto.StatusFailed, file
	}
	return status, file
}

// dispatch performs the local action for a request. A StatusNone result
// means the request is not answered.
func (s *Service) dispatch(ctx context.Context, msg *proto.ReplicationMessage) (proto.Status, *proto.FileMessage, error) {
	switch msg.Routing {
	case proto.RoutingBroadcast:
		switch msg.Command {
		case proto.CommandDiscover:
			return proto.StatusReady, nil, nil

		case proto.CommandExists:
			if msg.File == nil {
				return proto.StatusFailed, nil, errMissingFile
			}
			exists, err := s.store.Exists(ctx, msg.File.Filename, msg.File.Owner)
			if err != nil {
				return proto.StatusFailed, nil, err
			}
			if !exists {
				return proto.StatusFailed, nil, nil
			}
			return proto.StatusOK, nil, nil

		case proto.CommandLock:
			return s.lock.HandleLock(msg), nil, nil

		case proto.CommandUnlock:
			s.lock.HandleUnlock(msg)
			return proto.StatusNone, nil, nil
		}

	case proto.RoutingUnicast:
		if msg.File == nil {
			return proto.StatusFailed, nil, errMissingFile
		}
		file := *msg.File

		switch msg.Command {
		case proto.CommandSave:
			if err := s.store.Save(ctx, file.Derive(proto.FileSave)); err != nil {
				return proto.StatusFailed, nil, err
			}
			return proto.StatusOK, nil, nil

		case proto.CommandUpdate:
			if err := s.store.Update(ctx, file.Derive(proto.FileUpdate)); err != nil {
				return proto.StatusFailed, nil, err
			}
			return proto.StatusOK, nil, nil

		case proto.CommandLoad:
			loaded, err := s.store.Load(ctx, file.Derive(proto.FileLoad))
			if errors.Is(err, store.ErrFileNotFound) {
				missing := file.Derive(proto.FileNotFound).WithData(nil)
				return proto.StatusFailed, &missing, nil
			}
			if err != nil {
				return proto.StatusFailed, nil, err
			}
			return proto.StatusOK, &loaded, nil

		case proto.CommandDelete:
			if err := s.store.Delete(ctx, file.Filename, file.Owner); err != nil {
				return proto.StatusFailed, nil, err
			}
			return proto.StatusOK, nil, nil
		}
	}

	return proto.StatusFailed, nil, fmt.Errorf("%w: unsupported %s %s", ErrOperationFailed, msg.Routing, msg.Command)
}

var errMissingFile = fmt.Errorf("%w: request carries no file", ErrOperationFailed)

// reply answers req with status and an optional file payload.
func (s *Service) reply(req *proto.ReplicationMessage, status proto.Status, file *proto.FileMessage) {
	b := req.Reply(s.nodeID, status)
	if file != nil {
		b = b.File(*file)
	}
	msg, err := b.Build()
	if err != nil {
		s.logger.Error().Err(err).Str("id", req.ID).Msg("failed to build reply")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.responseTimeout)
	defer cancel()

	if err := s.send(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("to", req.FromID).Str("id", req.ID).Msg("failed to send reply")
	}
}
