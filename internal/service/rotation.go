package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/model"
)

// Rotate issues a new secret for an existing token. The stored hash and the
// rotation record are written in one transaction, and the in-memory
// snapshot is swapped before Rotate returns, so the old secret stops
// resolving immediately. The new raw secret is returned exactly once.
func (r *TokenRegistry) Rotate(ctx context.Context, tokenID int64, rotatedBy, reason string) (string, *model.RotationRecord, error) {
	rotatedBy = strings.TrimSpace(rotatedBy)
	if rotatedBy == "" {
		return "", nil, fmt.Errorf("%w: rotated_by is required", ErrInvalidInput)
	}

	raw, err := GenerateSecret()
	if err != nil {
		return "", nil, err
	}
	hash := config.HashSecret(raw)
	prefix := raw[:prefixLen]

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &model.RotationRecord{RotatedBy: rotatedBy, Reason: strings.TrimSpace(reason)}
	if err := r.store.RotateTokenSecret(ctx, tokenID, hash, prefix, rec); err != nil {
		return "", nil, err
	}

	tok, err := r.store.GetToken(ctx, tokenID)
	if err != nil {
		// The rotation committed; drop the cached entry rather than keep
		// serving the old hash.
		r.logger.Error("reload rotated token failed", "token_id", tokenID, "error", err)
		r.evict(tokenID)
		return raw, rec, nil
	}
	r.publish(tok)

	r.logger.Info("token rotated", "token_id", tokenID, "rotated_by", rotatedBy)
	return raw, rec, nil
}

// Rotations returns the rotation trail of a token, newest first.
func (r *TokenRegistry) Rotations(ctx context.Context, tokenID int64) ([]model.RotationRecord, error) {
	return r.store.ListRotations(ctx, tokenID)
}

// evict removes a token from the snapshot. Callers hold r.mu.
func (r *TokenRegistry) evict(id int64) {
	cur := r.snap.Load()
	if cur == nil {
		return
	}
	tokens := cur.tokens()
	out := tokens[:0]
	for _, t := range tokens {
		if t.ID != id {
			out = append(out, t)
		}
	}
	r.snap.Store(buildSnapshot(out))
}
