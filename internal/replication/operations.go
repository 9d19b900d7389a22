package replication

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/lukw00heck/av-service/internal/store"
	"github.com/lukw00heck/av-service/pkg/proto"
)

// StatusReport describes the redundancy of one file.
type StatusReport struct {
	Filename string       `json:"filename"`
	Owner    string       `json:"owner"`
	Local    bool         `json:"local"`
	Holders  []string     `json:"holders"` // Remote nodes confirmed to hold a copy
	Copies   int          `json:"copies"`
	Target   int          `json:"target"`
	Status   proto.Status `json:"status"` // OK when Copies >= Target, else FAILED
}

// Save stores a new file locally and on enough neighbors to meet the
// replication count. On a quorum shortfall the local copy and every copy
// sent to peers is deleted and ErrQuorumNotMet is returned.
//
// The quorum is bounded by the neighbors known at the time of the call:
// with fewer than ReplicationCount-1 neighbors Save succeeds once every
// neighbor holds a copy, and Status then reports FAILED for the file until
// more copies exist.
func (s *Service) Save(ctx context.Context, file proto.FileMessage) (err error) {
	start := time.Now()
	defer func() { s.observe("save", start, err) }()

	if err := validateFile(file); err != nil {
		return err
	}
	file = s.withID(file).Derive(proto.FileSave)

	if exists, err := s.store.Exists(ctx, file.Filename, file.Owner); err != nil {
		return storeError("check local copy", err)
	} else if exists {
		return fmt.Errorf("save %s/%s: %w", file.Owner, file.Filename, ErrAlreadyExists)
	}

	neighbors := s.discovery.Neighbors()
	lease, err := s.lock.Acquire(ctx, file.Filename, file.Owner, neighbors.Len())
	defer lease.Release()
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", file.Owner, file.Filename, err)
	}

	// The key may have been created while waiting for the lock
	if exists, err := s.store.Exists(ctx, file.Filename, file.Owner); err != nil {
		return storeError("check local copy", err)
	} else if exists {
		return fmt.Errorf("save %s/%s: %w", file.Owner, file.Filename, ErrAlreadyExists)
	}

	if err := s.store.Save(ctx, file); err != nil {
		return storeError("save local copy", err)
	}

	return s.replicate(ctx, file, neighbors)
}

// replicate fans SAVE out to randomly chosen neighbors and rolls back when
// fewer than the target acknowledge in time.
func (s *Service) replicate(ctx context.Context, file proto.FileMessage, neighbors *Neighbors) error {
	target := s.quorumTarget(neighbors)
	if target == 0 {
		return nil
	}

	peers := neighbors.IDs()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	peers = peers[:target]

	requestID := uuid.New().String()
	if err := s.correlator.Register(requestID); err != nil {
		s.rollback(file, nil)
		return fmt.Errorf("save %s/%s: %w", file.Owner, file.Filename, err)
	}

	for _, peer := range peers {
		msg, err := proto.NewBuilder(requestID).
			Command(proto.CommandSave).
			Routing(proto.RoutingUnicast).
			From(s.nodeID).
			To(peer).
			File(file).
			Build()
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to build save message")
			continue
		}
		if err := s.send(ctx, msg); err != nil {
			s.logger.Warn().Err(err).Str("peer", peer).Str("file", file.String()).Msg("failed to send save")
		}
	}

	replies := s.correlator.AwaitCount(ctx, requestID, s.saveWait(len(file.Data)), target)
	acks := countStatus(replies, proto.StatusOK)
	if acks >= target {
		s.logger.Debug().Str("file", file.String()).Int("acks", acks).Msg("file replicated")
		return nil
	}

	s.logger.Warn().
		Str("file", file.String()).
		Int("acks", acks).
		Int("target", target).
		Msg("replication quorum not met, rolling back")
	s.rollback(file, peers)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save %s/%s: %w", file.Owner, file.Filename, interrupted(err))
	}
	return fmt.Errorf("save %s/%s: %d of %d acknowledgements: %w", file.Owner, file.Filename, acks, target, ErrQuorumNotMet)
}

// rollback deletes the local copy and tells peers to drop theirs.
// It runs to completion even when the caller's context is done.
func (s *Service) rollback(file proto.FileMessage, peers []string) {
	s.rollbacks.Add(1)
	s.metrics.Rollback()

	ctx, cancel := context.WithTimeout(context.Background(), s.responseTimeout)
	defer cancel()

	if err := s.store.Delete(ctx, file.Filename, file.Owner); err != nil {
		s.logger.Error().Err(err).Str("file", file.String()).Msg("rollback: failed to delete local copy")
	}

	remove := file.Derive(proto.FileDelete).WithData(nil)
	for _, peer := range peers {
		msg, err := proto.NewBuilder("").
			Command(proto.CommandDelete).
			Routing(proto.RoutingUnicast).
			From(s.nodeID).
			To(peer).
			File(remove).
			Build()
		if err != nil {
			continue
		}
		if err := s.send(ctx, msg); err != nil {
			s.logger.Warn().Err(err).Str("peer", peer).Msg("rollback: failed to send delete")
		}
	}
}

// Load returns the file from the local store or, failing that, from one
// neighbor known to hold it.
func (s *Service) Load(ctx context.Context, file proto.FileMessage) (loaded proto.FileMessage, err error) {
	start := time.Now()
	defer func() { s.observe("load", start, err) }()

	if err := validateFile(file); err != nil {
		return proto.FileMessage{}, err
	}
	file = s.withID(file).Derive(proto.FileLoad).WithData(nil)

	neighbors := s.discovery.Neighbors()
	lease, err := s.lock.Acquire(ctx, file.Filename, file.Owner, neighbors.Len())
	defer lease.Release()
	if err != nil {
		return proto.FileMessage{}, fmt.Errorf("load %s/%s: %w", file.Owner, file.Filename, err)
	}

	local, err := s.store.Load(ctx, file)
	if err == nil {
		return local, nil
	}
	if !errors.Is(err, store.ErrFileNotFound) {
		return proto.FileMessage{}, storeError("load local copy", err)
	}

	holders := s.whoHas(ctx, file, neighbors)
	if len(holders) == 0 {
		return proto.FileMessage{}, fmt.Errorf("load %s/%s: %w", file.Owner, file.Filename, ErrNotFound)
	}

	return s.loadFrom(ctx, holders[0], file)
}

// loadFrom asks one holder for the file and waits for a single reply.
func (s *Service) loadFrom(ctx context.Context, holder string, file proto.FileMessage) (proto.FileMessage, error) {
	msg, err := proto.NewBuilder("").
		Command(proto.CommandLoad).
		Routing(proto.RoutingUnicast).
		From(s.nodeID).
		To(holder).
		File(file).
		Build()
	if err != nil {
		return proto.FileMessage{}, err
	}

	if err := s.correlator.Register(msg.ID); err != nil {
		return proto.FileMessage{}, fmt.Errorf("load %s/%s: %w", file.Owner, file.Filename, err)
	}
	if err := s.send(ctx, msg); err != nil {
		s.correlator.Forget(msg.ID)
		return proto.FileMessage{}, fmt.Errorf("load %s/%s from %s: %w: %v", file.Owner, file.Filename, holder, ErrNotFound, err)
	}

	for _, reply := range s.correlator.AwaitCount(ctx, msg.ID, s.responseTimeout, 1) {
		if reply.Status == proto.StatusOK && reply.File != nil {
			return reply.File.Derive(proto.FileLoad), nil
		}
	}
	if err := ctx.Err(); err != nil {
		return proto.FileMessage{}, fmt.Errorf("load %s/%s: %w", file.Owner, file.Filename, interrupted(err))
	}
	return proto.FileMessage{}, fmt.Errorf("load %s/%s from %s: %w", file.Owner, file.Filename, holder, ErrNotFound)
}

// Update replaces a file by deleting it cluster-wide and saving the new
// content. The two steps are not atomic: if the save fails the file is
// left absent everywhere.
func (s *Service) Update(ctx context.Context, file proto.FileMessage) (err error) {
	start := time.Now()
	defer func() { s.observe("update", start, err) }()

	if err := validateFile(file); err != nil {
		return err
	}
	file = s.withID(file)

	exists, err := s.Exists(ctx, file.Filename, file.Owner)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("update %s/%s: %w", file.Owner, file.Filename, ErrNotFound)
	}

	if err := s.Delete(ctx, file.Derive(proto.FileDelete)); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("update: %w", err)
	}
	if err := s.Save(ctx, file.Derive(proto.FileSave)); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return nil
}

// Delete removes the local copy and the copy held by every neighbor that
// reports one. It fails with ErrNotFound when no node holds the file and
// with ErrQuorumNotMet when a holder does not confirm the delete.
func (s *Service) Delete(ctx context.Context, file proto.FileMessage) (err error) {
	start := time.Now()
	defer func() { s.observe("delete", start, err) }()

	if err := validateFile(file); err != nil {
		return err
	}
	file = s.withID(file).Derive(proto.FileDelete).WithData(nil)

	neighbors := s.discovery.Neighbors()
	lease, err := s.lock.Acquire(ctx, file.Filename, file.Owner, neighbors.Len())
	defer lease.Release()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", file.Owner, file.Filename, err)
	}

	local, err := s.store.Exists(ctx, file.Filename, file.Owner)
	if err != nil {
		return storeError("check local copy", err)
	}
	if local {
		if err := s.store.Delete(ctx, file.Filename, file.Owner); err != nil {
			return storeError("delete local copy", err)
		}
	}

	holders := s.whoHas(ctx, file, neighbors)
	if len(holders) == 0 {
		if !local {
			return fmt.Errorf("delete %s/%s: %w", file.Owner, file.Filename, ErrNotFound)
		}
		return nil
	}

	requestID := uuid.New().String()
	if err := s.correlator.Register(requestID); err != nil {
		return fmt.Errorf("delete %s/%s: %w", file.Owner, file.Filename, err)
	}
	for _, holder := range holders {
		msg, err := proto.NewBuilder(requestID).
			Command(proto.CommandDelete).
			Routing(proto.RoutingUnicast).
			From(s.nodeID).
			To(holder).
			File(file).
			Build()
		if err != nil {
			continue
		}
		if err := s.send(ctx, msg); err != nil {
			s.logger.Warn().Err(err).Str("peer", holder).Msg("failed to send delete")
		}
	}

	replies := s.correlator.AwaitCount(ctx, requestID, s.responseTimeout, len(holders))
	if acks := countStatus(replies, proto.StatusOK); acks < len(holders) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("delete %s/%s: %w", file.Owner, file.Filename, interrupted(err))
		}
		return fmt.Errorf("delete %s/%s: %d of %d holders confirmed: %w",
			file.Owner, file.Filename, acks, len(holders), ErrQuorumNotMet)
	}
	return nil
}

// Exists reports whether this node or any neighbor holds the file.
// The answer is best-effort and may be stale under concurrent writes.
func (s *Service) Exists(ctx context.Context, filename, owner string) (bool, error) {
	local, err := s.store.Exists(ctx, filename, owner)
	if err != nil {
		return false, storeError("check local copy", err)
	}
	if local {
		return true, nil
	}

	file := proto.FileMessage{Filename: filename, Owner: owner}
	return len(s.whoHas(ctx, file, s.discovery.Neighbors())) > 0, nil
}

// Status counts the copies of a file and compares them with the
// replication count. Like Exists it is best-effort.
func (s *Service) Status(ctx context.Context, filename, owner string) (StatusReport, error) {
	local, err := s.store.Exists(ctx, filename, owner)
	if err != nil {
		return StatusReport{}, storeError("check local copy", err)
	}

	file := proto.FileMessage{Filename: filename, Owner: owner}
	holders := s.whoHas(ctx, file, s.discovery.Neighbors())

	report := StatusReport{
		Filename: filename,
		Owner:    owner,
		Local:    local,
		Holders:  holders,
		Copies:   len(holders),
		Target:   s.replicationCount,
		Status:   proto.StatusFailed,
	}
	if local {
		report.Copies++
	}
	if report.Copies >= report.Target {
		report.Status = proto.StatusOK
	}
	return report, nil
}

// whoHas asks every neighbor whether it holds the file and returns the
// ones that answered OK within the response timeout.
func (s *Service) whoHas(ctx context.Context, file proto.FileMessage, neighbors *Neighbors) []string {
	if neighbors.Len() == 0 {
		return nil
	}

	msg, err := proto.NewBuilder("").
		Command(proto.CommandExists).
		Routing(proto.RoutingBroadcast).
		From(s.nodeID).
		File(proto.FileMessage{ID: file.ID, Filename: file.Filename, Owner: file.Owner}).
		Build()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to build exists query")
		return nil
	}

	if err := s.correlator.Register(msg.ID); err != nil {
		return nil
	}
	if err := s.send(ctx, msg); err != nil {
		s.correlator.Forget(msg.ID)
		s.logger.Warn().Err(err).Msg("failed to send exists query")
		return nil
	}

	replies := s.correlator.AwaitCount(ctx, msg.ID, s.responseTimeout, neighbors.Len())
	return sendersWith(replies, proto.StatusOK)
}

// withID assigns a correlation id to files built without one.
func (s *Service) withID(file proto.FileMessage) proto.FileMessage {
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	return file
}

func validateFile(file proto.FileMessage) error {
	if file.Filename == "" || file.Owner == "" {
		return fmt.Errorf("filename and owner are required: %w", store.ErrInvalidFile)
	}
	return nil
}
