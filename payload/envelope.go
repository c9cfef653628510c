// Package payload implements the versioned envelope codec used on the
// durable queue: a single tagged JSON shape (auto_message.v1) rather
// than an untyped blob, so validation is total instead of best-effort.
package payload

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lacechat/automessage/apperrors"
	"github.com/lacechat/automessage/model"
)

// Encode marshals an envelope for publication, stamping its Type if unset.
func Encode(env model.Envelope) ([]byte, error) {
	if env.Type == "" {
		env.Type = model.EnvelopeV1
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses and validates a wire envelope.
//
// An envelope with no "type" field is accepted as EnvelopeV1 for
// compatibility with the untyped shape spec §6 names directly; an
// envelope whose type is present but not EnvelopeV1 is rejected.
// Decode does not perform the deeper field validation (id shape,
// content bounds, self-message check) — see Validate for that.
func Decode(raw []byte) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.Envelope{}, apperrors.Wrap(apperrors.KindValidation, apperrors.CodeMalformedEnvelope, "malformed envelope JSON", err)
	}
	if env.Type == "" {
		env.Type = model.EnvelopeV1
	}
	if env.Type != model.EnvelopeV1 {
		return model.Envelope{}, apperrors.New(apperrors.KindValidation, apperrors.CodeValidation, fmt.Sprintf("unsupported envelope type %q", env.Type))
	}
	return env, nil
}

// Validate checks an envelope's fields against spec §4.5's
// validateQueueMessage contract: well-formed ids, content bounds, and
// senderId != receiverId.
func Validate(env model.Envelope, contentMax int) error {
	if strings.TrimSpace(env.AutoMessageID) == "" {
		return apperrors.New(apperrors.KindValidation, apperrors.CodeInvalidAutoMessageID, "autoMessageId is required")
	}
	if strings.TrimSpace(env.SenderID) == "" || strings.TrimSpace(env.ReceiverID) == "" {
		return apperrors.New(apperrors.KindValidation, apperrors.CodeValidation, "senderId and receiverId are required")
	}
	if env.SenderID == env.ReceiverID {
		return apperrors.New(apperrors.KindValidation, apperrors.CodeSelfMessage, "senderId and receiverId must differ")
	}
	content := strings.TrimSpace(env.Content)
	if len(content) == 0 || len(content) > contentMax {
		return apperrors.New(apperrors.KindValidation, apperrors.CodeContentOutOfRange, fmt.Sprintf("content length must be in [1,%d]", contentMax))
	}
	return nil
}
