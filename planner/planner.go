// Package planner implements the daily automatic-message planning
// pass: pair active users at random and schedule one PlannedMessage
// per pair for later dispatch.
package planner

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/lacechat/automessage/apperrors"
	"github.com/lacechat/automessage/model"
)

// templates is the fixed set of localized auto-message bodies the
// planner chooses from uniformly. The set is intentionally small and
// static; enlarging it is a content decision, not a code change.
var templates = []string{
	"Hey! It's been a while, how have you been?",
	"Just thinking of you — hope your week is going well.",
	"Long time no chat! What's new with you?",
	"Hi there, wanted to say hello and see how you're doing.",
	"Hope everything's good on your end lately.",
	"It's been quiet between us — let's catch up soon.",
	"Sending a quick hello your way today.",
	"Hey, remembered you today and wanted to reach out.",
}

// UserSource returns the candidate pool the planner shuffles and
// pairs. Satisfied by *userstore.Store.
type UserSource interface {
	ActiveUsers(ctx context.Context) ([]model.User, error)
}

// MessageSink persists the PlannedMessages a planning pass produces.
// Satisfied by *plannedmsg.Store.
type MessageSink interface {
	InsertMany(ctx context.Context, messages []model.PlannedMessage) (int, error)
}

// Planner runs the pairing algorithm described in the scheduler's
// daily task.
type Planner struct {
	users    UserSource
	messages MessageSink
	logger   *slog.Logger
}

// New builds a Planner over the given user source and message sink.
func New(users UserSource, messages MessageSink) *Planner {
	return &Planner{
		users:    users,
		messages: messages,
		logger:   slog.Default().With("component", "planner"),
	}
}

// PlanAutomaticMessages fetches every active user, shuffles them with
// a cryptographically strong permutation, pairs them off two at a
// time (the first of a pair is the sender, an odd user out is
// skipped), and schedules one PlannedMessage per pair at a randomized
// send time between 1 hour and 24h59m from now. It returns the number of messages
// actually persisted.
func (p *Planner) PlanAutomaticMessages(ctx context.Context) (int, error) {
	users, err := p.users.ActiveUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch active users: %w", err)
	}
	if len(users) < 2 {
		p.logger.Info("not enough active users to plan messages", "count", len(users))
		return 0, nil
	}

	if err := shuffle(users); err != nil {
		return 0, apperrors.Wrap(apperrors.KindFatalInfra, apperrors.CodeUserRetrievalFailed, "shuffle active users", err)
	}

	now := time.Now().UTC()
	planned := make([]model.PlannedMessage, 0, len(users)/2)
	for k := 0; k+1 < len(users); k += 2 {
		sender, receiver := users[k], users[k+1]

		content, err := randomTemplate()
		if err != nil {
			return 0, apperrors.Wrap(apperrors.KindFatalInfra, apperrors.CodeAutoMessageSaveFail, "select template", err)
		}
		offset, err := randomOffset()
		if err != nil {
			return 0, apperrors.Wrap(apperrors.KindFatalInfra, apperrors.CodeAutoMessageSaveFail, "select send offset", err)
		}

		planned = append(planned, model.PlannedMessage{
			SenderID:   sender.ID,
			ReceiverID: receiver.ID,
			Content:    content,
			SendDate:   now.Add(offset),
			IsQueued:   false,
			IsSent:     false,
		})
	}

	if len(planned) == 0 {
		return 0, nil
	}

	count, err := p.messages.InsertMany(ctx, planned)
	if err != nil {
		return count, fmt.Errorf("insert planned messages: %w", err)
	}

	p.logger.Info("planned automatic messages", "pairs", len(planned), "inserted", count, "candidates", len(users))
	return count, nil
}

// shuffle performs an in-place Fisher-Yates permutation of users using
// crypto/rand as the source of randomness, so the sender/receiver
// pairing cannot be predicted or biased by an attacker who knows the
// process start time.
func shuffle(users []model.User) error {
	for i := len(users) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return err
		}
		users[i], users[j] = users[j], users[i]
	}
	return nil
}

// randomInt returns a uniform random integer in [0, n).
func randomInt(n int) (int, error) {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// randomTemplate picks one of the fixed content templates uniformly.
func randomTemplate() (string, error) {
	i, err := randomInt(len(templates))
	if err != nil {
		return "", err
	}
	return templates[i], nil
}

// randomOffset returns a duration of H hours + M minutes, with H
// uniform in [1,24] and M uniform in [0,59], independently chosen.
func randomOffset() (time.Duration, error) {
	h, err := randomInt(24)
	if err != nil {
		return 0, err
	}
	m, err := randomInt(60)
	if err != nil {
		return 0, err
	}
	hours := time.Duration(h+1) * time.Hour
	minutes := time.Duration(m) * time.Minute
	return hours + minutes, nil
}
