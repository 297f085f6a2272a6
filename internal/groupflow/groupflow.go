// Package groupflow tears down a group's backend records after the bot has
// been removed from it: one child job per member, then a parent job that
// deletes the group itself once every member job has finished.
package groupflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shilomagen/shula-sub000/internal/driver"
	"github.com/shilomagen/shula-sub000/internal/queue"
)

// Queue names for the removal workflow.
const (
	TopicRemoveGroup  = "workflow.group.remove"
	TopicRemoveMember = "workflow.group.remove_member"
)

// ErrNotFound marks a backend record that is already gone. Backends return
// it (or wrap it) so the workflow can treat repeat deletions as success.
var ErrNotFound = errors.New("groupflow: not found")

// Backend is the external service owning group and membership records.
type Backend interface {
	RemoveMember(ctx context.Context, groupID, memberID string) error
	RemoveGroup(ctx context.Context, groupID string) error
}

type groupPayload struct {
	GroupID string `json:"group_id"`
}

type memberPayload struct {
	GroupID  string `json:"group_id"`
	MemberID string `json:"member_id"`
}

// Config tunes the workflow.
type Config struct {
	// SelfID is excluded from the member enumeration.
	SelfID string
	// EnumerateTimeout bounds the member lookup after a removal.
	EnumerateTimeout time.Duration
	// ChildConcurrency is how many member removals run at once.
	ChildConcurrency int
	// Attempts is the per-job retry budget.
	Attempts int
	// Backoff is the per-job retry policy. Zero values use the queue's
	// defaults.
	Backoff queue.Backoff
}

func (c Config) withDefaults() Config {
	if c.EnumerateTimeout <= 0 {
		c.EnumerateTimeout = 20 * time.Second
	}
	if c.ChildConcurrency <= 0 {
		c.ChildConcurrency = 4
	}
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	return c
}

// Flow launches and processes group-removal workflows.
type Flow struct {
	client  driver.Client
	backend Backend
	queue   *queue.Queue
	logger  *slog.Logger
	cfg     Config
}

func New(client driver.Client, backend Backend, q *queue.Queue, logger *slog.Logger, cfg Config) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		client:  client,
		backend: backend,
		queue:   q,
		logger:  logger,
		cfg:     cfg.withDefaults(),
	}
}

// Register attaches the workflow handlers to the queue.
func (f *Flow) Register() {
	f.queue.Process(TopicRemoveMember, f.cfg.ChildConcurrency, f.handleRemoveMember)
	f.queue.Process(TopicRemoveGroup, 1, f.handleRemoveGroup)
}

// OnGroupRemoved is wired as the inbound pipeline's self-removal hook. It
// runs the enqueue off the caller's goroutine; the driver's dispatch loop
// must not wait on metadata calls.
func (f *Flow) OnGroupRemoved(n driver.GroupNotification) {
	go f.launch(n.GroupID)
}

// launch enumerates the group's members and enqueues the removal flow: the
// parent deletes the group record, held back until every member child
// reaches a terminal state.
func (f *Flow) launch(groupID string) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.EnumerateTimeout)
	defer cancel()

	chat, err := f.client.ChatInfo(ctx, groupID)
	if err != nil {
		f.logger.Error("group_removal_enumerate_failed", "group_id", groupID, "error", err)
		return
	}

	members := make([]string, 0, len(chat.Participants))
	for _, id := range chat.Participants {
		if id == f.cfg.SelfID {
			continue
		}
		members = append(members, id)
	}

	parentRaw, err := json.Marshal(groupPayload{GroupID: groupID})
	if err != nil {
		f.logger.Error("group_removal_encode_failed", "group_id", groupID, "error", err)
		return
	}
	parent := queue.JobSpec{
		Name:    TopicRemoveGroup,
		Payload: parentRaw,
		Options: queue.Options{Attempts: f.cfg.Attempts, Backoff: f.cfg.Backoff},
	}

	children := make([]queue.JobSpec, 0, len(members))
	for _, member := range members {
		raw, err := json.Marshal(memberPayload{GroupID: groupID, MemberID: member})
		if err != nil {
			f.logger.Error("group_removal_encode_failed", "group_id", groupID, "member_id", member, "error", err)
			return
		}
		children = append(children, queue.JobSpec{
			Name:    TopicRemoveMember,
			Payload: raw,
			Options: queue.Options{Attempts: f.cfg.Attempts, Backoff: f.cfg.Backoff},
		})
	}

	parentID, childIDs, err := f.queue.EnqueueFlow(ctx, parent, children)
	if err != nil {
		f.logger.Error("group_removal_enqueue_failed", "group_id", groupID, "error", err)
		return
	}
	f.logger.Info("group_removal_started",
		"group_id", groupID,
		"parent_job_id", parentID,
		"members", len(childIDs))
}

func (f *Flow) handleRemoveMember(ctx context.Context, job queue.Job) error {
	var p memberPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("groupflow: decode member job %s: %w", job.ID, err)
	}
	err := f.backend.RemoveMember(ctx, p.GroupID, p.MemberID)
	switch {
	case err == nil:
		f.logger.Debug("group_member_removed", "group_id", p.GroupID, "member_id", p.MemberID)
		return nil
	case errors.Is(err, ErrNotFound):
		// Already gone, possibly from an earlier attempt of this same job.
		f.logger.Debug("group_member_already_absent", "group_id", p.GroupID, "member_id", p.MemberID)
		return nil
	default:
		return fmt.Errorf("groupflow: remove member %s from %s: %w", p.MemberID, p.GroupID, err)
	}
}

func (f *Flow) handleRemoveGroup(ctx context.Context, job queue.Job) error {
	var p groupPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("groupflow: decode group job %s: %w", job.ID, err)
	}
	err := f.backend.RemoveGroup(ctx, p.GroupID)
	switch {
	case err == nil:
		f.logger.Info("group_removed", "group_id", p.GroupID)
		return nil
	case errors.Is(err, ErrNotFound):
		f.logger.Debug("group_already_absent", "group_id", p.GroupID)
		return nil
	default:
		return fmt.Errorf("groupflow: remove group %s: %w", p.GroupID, err)
	}
}
